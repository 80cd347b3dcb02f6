package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/conversations"
	"github.com/go-go-golems/convsync/pkg/locale"
	"github.com/go-go-golems/convsync/pkg/messages"
	"github.com/go-go-golems/convsync/pkg/schedule"
	"github.com/go-go-golems/convsync/pkg/store"
	"github.com/go-go-golems/convsync/pkg/transport"
)

// Script is a recorded sequence of transport events.
type Script struct {
	Tenant           string        `yaml:"tenant"`
	User             string        `yaml:"user"`
	ConversationWith string        `yaml:"conversation_with"`
	Locale           string        `yaml:"locale"`
	StartMs          int64         `yaml:"start_ms"`
	Events           []ScriptEvent `yaml:"events"`
	// Drain advances the clock after the last event so pending replays and
	// the sound debounce complete.
	Drain time.Duration `yaml:"drain"`
}

type ScriptEvent struct {
	// Stream is "conversations" or "messages".
	Stream  string              `yaml:"stream"`
	Kind    transport.EventKind `yaml:"kind"`
	Key     string              `yaml:"key"`
	After   time.Duration       `yaml:"after"`
	Payload map[string]any      `yaml:"payload"`
}

// simLine is one JSON line of simulate output.
type simLine struct {
	Step          int                      `json:"step"`
	Event         string                   `json:"event"`
	Conversations []chatmodel.Conversation `json:"conversations,omitempty"`
	Message       *chatmodel.Message       `json:"message,omitempty"`
	UID           string                   `json:"uid,omitempty"`
	Typing        *messages.TypingEvent    `json:"typing,omitempty"`
	CountIsNew    *int                     `json:"count_is_new,omitempty"`
}

func newSimulateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <script.yaml>",
		Short: "Replay a YAML event script through an in-process transport and print the results as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := loadScript(args[0])
			if err != nil {
				return err
			}
			return runSimulation(cmd.Context(), script, cmd.OutOrStdout())
		},
	}
}

func loadScript(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read script %s", path)
	}
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrapf(err, "parse script %s", path)
	}
	if s.User == "" {
		return nil, errors.Errorf("script %s: user is required", path)
	}
	return &s, nil
}

type soundRecorder struct {
	step *int
	out  *json.Encoder
}

func (r soundRecorder) Play() {
	_ = r.out.Encode(simLine{Step: *r.step, Event: "sound"})
}

// runSimulation delivers every script event through a blocking gochannel
// pubsub, so each step's effects are complete before the next one starts.
func runSimulation(ctx context.Context, script *Script, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tenant := script.Tenant
	if tenant == "" {
		tenant = "default"
	}
	start := time.UnixMilli(script.StartMs)
	if script.StartMs == 0 {
		start = time.Now()
	}
	sched := schedule.NewManual(start)

	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, transport.NewWatermillLogger(log.Logger))
	defer func() { _ = ps.Close() }()
	tr := transport.NewWatermill(ps, ps, "sim")

	labels, err := locale.NewLabels(nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	step := 0

	convs, err := conversations.New(conversations.Options{
		Tenant:      tenant,
		UserID:      script.User,
		Locale:      script.Locale,
		Labels:      labels,
		Transport:   tr,
		Scheduler:   sched,
		SoundPlayer: soundRecorder{step: &step, out: enc},
	})
	if err != nil {
		return err
	}
	defer convs.Dispose()
	if err := convs.Connect(ctx); err != nil {
		return err
	}

	var ms *messages.Synchronizer
	if script.ConversationWith != "" {
		ms, err = messages.New(messages.Options{
			Tenant:           tenant,
			UserID:           script.User,
			ConversationWith: script.ConversationWith,
			Locale:           script.Locale,
			Transport:        tr,
			Repository:       store.NewMemoryMessageRepository(),
			Scheduler:        sched,
			StartTime:        start,
		})
		if err != nil {
			return err
		}
		defer ms.Dispose()
		if err := ms.Connect(ctx); err != nil {
			return err
		}
	}

	changes, unsubChanges := convs.Changes().Subscribe()
	defer unsubChanges()
	drain := deltaDrainer(ms)
	defer drain.close()

	flush := func() error {
		drain.emit(step, enc)
		var latest []chatmodel.Conversation
		got := false
		drainChan(changes, func(list []chatmodel.Conversation) { latest, got = list, true })
		if got {
			n := convs.CountIsNew()
			return enc.Encode(simLine{Step: step, Event: "conversations", Conversations: latest, CountIsNew: &n})
		}
		return nil
	}

	for i, ev := range script.Events {
		step = i + 1
		if ev.After > 0 {
			sched.Advance(ev.After)
		}
		streamID := transport.ConversationsStreamID(tenant, script.User)
		if ev.Stream == "messages" {
			if ms == nil {
				return errors.Errorf("step %d: messages event without conversation_with", step)
			}
			streamID = transport.MessagesStreamID(tenant, script.User, script.ConversationWith)
		}
		var payload any
		if ev.Payload != nil {
			payload = ev.Payload
		}
		te, err := transport.NewEvent(ev.Kind, streamID, ev.Key, payload)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		if err := tr.Emit(ctx, te); err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		if err := flush(); err != nil {
			return err
		}
	}
	if script.Drain > 0 {
		step++
		sched.Advance(script.Drain)
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}

type drainer struct {
	added, changed, info <-chan chatmodel.Message
	removed              <-chan string
	typing               <-chan messages.TypingEvent
	cancels              []func()
}

func deltaDrainer(ms *messages.Synchronizer) *drainer {
	d := &drainer{}
	if ms == nil {
		return d
	}
	var c func()
	d.added, c = ms.Added().Subscribe()
	d.cancels = append(d.cancels, c)
	d.changed, c = ms.Changed().Subscribe()
	d.cancels = append(d.cancels, c)
	d.info, c = ms.Info().Subscribe()
	d.cancels = append(d.cancels, c)
	d.removed, c = ms.Removed().Subscribe()
	d.cancels = append(d.cancels, c)
	d.typing, c = ms.Typing().Subscribe()
	d.cancels = append(d.cancels, c)
	return d
}

// emit prints buffered message deltas. Deltas of one kind keep their order.
func (d *drainer) emit(step int, enc *json.Encoder) {
	drainChan(d.added, func(m chatmodel.Message) {
		_ = enc.Encode(simLine{Step: step, Event: "message.added", Message: &m})
	})
	drainChan(d.changed, func(m chatmodel.Message) {
		_ = enc.Encode(simLine{Step: step, Event: "message.changed", Message: &m})
	})
	drainChan(d.info, func(m chatmodel.Message) {
		_ = enc.Encode(simLine{Step: step, Event: "message.info", Message: &m})
	})
	drainChan(d.removed, func(uid string) {
		_ = enc.Encode(simLine{Step: step, Event: "message.removed", UID: uid})
	})
	drainChan(d.typing, func(ev messages.TypingEvent) {
		_ = enc.Encode(simLine{Step: step, Event: "typing", Typing: &ev})
	})
}

func (d *drainer) close() {
	for _, c := range d.cancels {
		c()
	}
}

func drainChan[T any](ch <-chan T, fn func(T)) {
	if ch == nil {
		return
	}
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return
			}
			fn(v)
		default:
			return
		}
	}
}
