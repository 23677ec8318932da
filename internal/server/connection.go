package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/broker"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/distributor"
	"github.com/rapidaai/audioknife/internal/logging"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/scheduler"
)

const schedulerInputCapacity = 256

// NativeInputFormat is the PCM layout assumed for binary-frame (raw,
// untagged) inbound audio. No per-connection modality negotiation exists
// (spec §9 Non-goals), so one fixed native format is assumed for the whole
// connection's microphone input, matching the reference FreeSWITCH
// mod_audio_fork front end's fixed-format media bridge.
var NativeInputFormat = audio.Format{Channels: 1, SampleRate: 16000}

// connection owns one WebSocket's ContextSwitch and Distributor for the
// lifetime of the socket, plus one media event scheduler per active
// conversation (spec §9 open question (c): "the reference is
// per-conversation since the scheduler instance is per-conversation" — a
// single shared instance would let one conversation's NotifyStarted tear
// the scheduler down for every other conversation on the connection, and
// would let its buffered audio pace another conversation's control/text
// events).
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws      *websocket.Conn
	writeMu sync.Mutex

	bridgeEnvelope bool

	dist *distributor.Distributor
	cs   *broker.ContextSwitch

	schedMu    sync.Mutex
	schedulers map[protocol.ConversationId]chan protocol.ServerEvent
	schedWG    sync.WaitGroup

	logger logging.Logger
}

func newConnection(parent context.Context, ws *websocket.Conn, registry *core.Registry, collector *billing.Collector, grace time.Duration, bridgeEnvelope bool, logger logging.Logger) *connection {
	ctx, cancel := context.WithCancel(parent)
	dist := distributor.New()

	c := &connection{
		ctx:            ctx,
		cancel:         cancel,
		ws:             ws,
		bridgeEnvelope: bridgeEnvelope,
		dist:           dist,
		schedulers:     make(map[protocol.ConversationId]chan protocol.ServerEvent),
		logger:         logger,
	}
	c.cs = broker.New(registry, dispatchSink{conn: c}, collector, grace, logger)
	return c
}

// dispatchSink forwards through the distributor and, once a conversation's
// terminal event has been routed, unregisters its distributor target and
// retires its media event scheduler, so a stale id cannot accept further
// dispatches (spec §7 "duplicates must be suppressed by the multiplexer
// when removing the entry").
type dispatchSink struct {
	conn *connection
}

func (s dispatchSink) Dispatch(event protocol.ServerEvent) error {
	err := s.conn.dist.Dispatch(event)
	if event.Kind == protocol.ServerStopped || event.Kind == protocol.ServerError {
		_ = s.conn.dist.RemoveTarget(event.Id)
		s.conn.stopScheduler(event.Id)
	}
	return err
}

// startScheduler creates and runs a fresh media event scheduler for a
// newly started conversation, returning the channel to register as its
// distributor target.
func (c *connection) startScheduler(id protocol.ConversationId) chan<- protocol.ServerEvent {
	ch := make(chan protocol.ServerEvent, schedulerInputCapacity)

	c.schedMu.Lock()
	c.schedulers[id] = ch
	c.schedMu.Unlock()

	c.schedWG.Add(1)
	go func() {
		defer c.schedWG.Done()
		if err := scheduler.Run(c.ctx, ch, writerSink{conn: c}, c.logger); err != nil {
			c.logger.Errorf("server: scheduler for %s: %v", id, err)
		}
	}()

	return ch
}

// stopScheduler closes id's scheduler input, if one still exists, letting
// its goroutine drain whatever is already queued (including the terminal
// event itself, just forwarded by dispatchSink) and return. Safe to call
// more than once for the same id; only the first closes anything.
func (c *connection) stopScheduler(id protocol.ConversationId) {
	c.schedMu.Lock()
	ch, ok := c.schedulers[id]
	if ok {
		delete(c.schedulers, id)
	}
	c.schedMu.Unlock()

	if ok {
		close(ch)
	}
}

// chanSink is a distributor target that forwards into a conversation's
// media event scheduler input.
type chanSink struct {
	ch chan<- protocol.ServerEvent
}

func (s chanSink) Dispatch(event protocol.ServerEvent) error {
	select {
	case s.ch <- event:
		return nil
	default:
		return fmt.Errorf("server: scheduler input channel full")
	}
}

func (c *connection) run() {
	defer c.cancel()
	defer c.ws.Close()

	c.ws.SetPingHandler(func(data string) error {
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	c.ws.SetPongHandler(func(data string) error {
		c.logger.Debugf("server: pong received, ignoring")
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}

	c.cs.Shutdown()
	c.schedWG.Wait()
}

func (c *connection) handleText(data []byte) {
	event, err := protocol.DecodeClientEvent(data)
	if err != nil {
		c.logger.Warnf("server: malformed client event: %v", err)
		return
	}

	if event.Kind == protocol.ClientStart {
		ch := c.startScheduler(event.Id)
		if err := c.dist.AddTarget(event.Id, chanSink{ch: ch}); err != nil {
			c.stopScheduler(event.Id)
			c.reportProtocolError(event.Id, err)
			return
		}
	}

	if err := c.cs.Process(c.ctx, event); err != nil {
		c.reportProtocolError(event.Id, err)
	}
}

func (c *connection) handleBinary(data []byte) {
	c.cs.BroadcastAudio(audio.FromLEBytes(NativeInputFormat, data))
}

// reportProtocolError sends a structured Error event for id and terminates
// the offending conversation if it exists (spec §7 protocol error policy).
func (c *connection) reportProtocolError(id protocol.ConversationId, err error) {
	c.logger.Warnf("server: protocol error for %s: %v", id, err)
	ev := protocol.ServerEvent{Kind: protocol.ServerError, Id: id, Message: err.Error()}
	if dispatchErr := c.dist.Dispatch(ev); dispatchErr != nil {
		// No distributor target exists for id (it was never started, or
		// has already terminated); write directly so the client still
		// observes it.
		_ = c.writeServerEvent(ev)
	}
	_ = c.dist.RemoveTarget(id)
	c.stopScheduler(id)
	_ = c.cs.Process(c.ctx, protocol.ClientEvent{Kind: protocol.ClientStop, Id: id})
}

// writerSink is the scheduler's terminal sink: it renders events onto the
// wire (spec §6 outbound framing).
type writerSink struct {
	conn *connection
}

func (w writerSink) Dispatch(event protocol.ServerEvent) error {
	return w.conn.writeServerEvent(event)
}

func (c *connection) writeServerEvent(event protocol.ServerEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if event.Kind == protocol.ServerAudio {
		for _, chunk := range audio.ChunkBytes(event.Frame.ToLEBytes()) {
			if err := c.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return fmt.Errorf("server: write audio frame: %w", err)
			}
		}
		return nil
	}

	var (
		payload []byte
		err     error
	)
	if c.bridgeEnvelope {
		payload, err = protocol.WrapBridgeEnvelope(event)
	} else {
		payload, err = json.Marshal(event)
	}
	if err != nil {
		return fmt.Errorf("server: marshal event: %w", err)
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("server: write text frame: %w", err)
	}
	return nil
}
