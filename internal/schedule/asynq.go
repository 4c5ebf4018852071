// Package schedule provides a durable Scheduler for tunnel.Supervisor,
// backed by Asynq the same way the teacher's internal/worker embeds an
// Asynq server inside the main process: a shared client enqueues tasks,
// and a server with a registered handler processes them on a background
// goroutine.
//
// Unlike the teacher's worker (which enqueues for immediate, at-least-once
// delivery), every task here is scheduled with asynq.ProcessIn so it
// becomes eligible only after the tunnel retry/refresh/unstable-confirm
// delay elapses — Asynq's scheduler keeps it in Redis until then, so a
// timer outlives a tunneld process restart as long as Redis does.
package schedule

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

// TaskTunnelTimer is the single Asynq task type used for every tunnel
// timer; the payload discriminates retry/refresh/unstable-confirm.
const TaskTunnelTimer = "tunnel:timer"

type timerPayload struct {
	Name       string          `json:"name"`
	Kind       tunnel.TimerKind `json:"kind"`
	Generation uuid.UUID       `json:"generation"`
}

// Scheduler is a tunnel.Scheduler backed by Asynq. Construct it with New,
// call Start to begin processing, and Shutdown on exit.
type Scheduler struct {
	client *asynq.Client
	server *asynq.Server
	queue  string
}

// New returns a Scheduler dialing redisAddr. The dispatcher it eventually
// calls is registered separately, in Start, so construction never needs a
// *tunnel.Supervisor — callers wire dispatch after building both.
func New(redisAddr string) *Scheduler {
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &Scheduler{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"tunnels": 1,
			},
		}),
		queue: "tunnels",
	}
}

// Start registers dispatch as the handler for every tunnel timer task and
// begins processing on a background goroutine. dispatch is ordinarily
// (*tunnel.Supervisor).DispatchTimer.
func (s *Scheduler) Start(dispatch tunnel.Dispatcher) {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTunnelTimer, func(_ context.Context, t *asynq.Task) error {
		var p timerPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Printf("schedule: bad timer payload: %v", err)
			return err
		}
		dispatch(p.Name, p.Kind, p.Generation)
		return nil
	})

	go func() {
		if err := s.server.Run(mux); err != nil {
			log.Printf("schedule: asynq server stopped: %v", err)
		}
	}()
}

// Schedule implements tunnel.Scheduler by enqueuing a ProcessIn task.
func (s *Scheduler) Schedule(name string, kind tunnel.TimerKind, generation uuid.UUID, delay time.Duration) {
	payload, err := json.Marshal(timerPayload{Name: name, Kind: kind, Generation: generation})
	if err != nil {
		log.Printf("schedule: marshal timer payload for %s: %v", name, err)
		return
	}
	task := asynq.NewTask(TaskTunnelTimer, payload)
	if _, err := s.client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue(s.queue)); err != nil {
		log.Printf("schedule: enqueue timer for %s: %v", name, err)
	}
}

// Shutdown stops the Asynq server and closes the client, mirroring
// Worker.Shutdown in the teacher.
func (s *Scheduler) Shutdown() {
	s.server.Shutdown()
	if err := s.client.Close(); err != nil {
		log.Printf("schedule: close client: %v", err)
	}
}

var _ tunnel.Scheduler = (*Scheduler)(nil)
