package tracklab

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tracklab/tracklab/internal/mailbox"
	"github.com/tracklab/tracklab/internal/model"
	"github.com/tracklab/tracklab/internal/service"
)

// resultTimeout bounds waits for records that return a result (run start,
// attach, finish). Fire-and-forget records never block.
const resultTimeout = 60 * time.Second

// recorder is the SDK's transport to the service. All three deployments
// speak the same protocol: an in-process server behind a loopback socket
// (the default), a spawned child process, or an already-running service
// reachable through a portfile.
type recorder struct {
	client   *service.Client
	ownedSrv *service.Server // non-nil when the server runs in-process
}

// connectRecorder wires up the transport selected by the settings.
func connectRecorder(s *Settings, logger *slog.Logger) (*recorder, error) {
	switch {
	case s.ServiceAddr != "":
		addr, err := service.ParsePortfile(s.ServiceAddr)
		if err != nil {
			// Accept a raw host:port too, for tests and power users.
			addr = service.PortfileAddr{Network: "tcp", Addr: s.ServiceAddr}
		}
		client, err := service.Dial(addr)
		if err != nil {
			return nil, commErrorf(err, "connect to service")
		}
		return &recorder{client: client}, nil

	case s.LaunchService:
		portfile := s.RunDir() + "-portfile"
		addr, _, err := service.Launch("", portfile, nil)
		if err != nil {
			return nil, commErrorf(err, "launch service process")
		}
		client, err := service.Dial(addr)
		if err != nil {
			return nil, commErrorf(err, "connect to launched service")
		}
		return &recorder{client: client}, nil

	default:
		// In-process service on a loopback socket. Same code path as the
		// external deployments, minus the process boundary.
		srv := service.NewServer(logger)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, commErrorf(err, "listen for in-process service")
		}
		go func() { _ = srv.Serve(ln) }()
		client, err := service.Dial(service.PortfileAddr{Network: "tcp", Addr: ln.Addr().String()})
		if err != nil {
			srv.Close()
			return nil, commErrorf(err, "connect to in-process service")
		}
		return &recorder{client: client, ownedSrv: srv}, nil
	}
}

func (r *recorder) start(req service.RunStartRequest) (service.RunStartResponse, error) {
	return deliverWait[service.RunStartResponse](r.client, service.KindRunStart, req.Run.ID, req)
}

func (r *recorder) attach(runID string, pid int) (service.AttachResponse, error) {
	return deliverWait[service.AttachResponse](r.client, service.KindAttach, runID,
		service.AttachRequest{Pid: pid})
}

func (r *recorder) logHistory(runID string, rec service.HistoryRecord) error {
	return r.client.Publish(service.KindHistory, runID, rec)
}

func (r *recorder) updateRun(runID string, rec service.RunUpdateRecord) error {
	return r.client.Publish(service.KindRunUpdate, runID, rec)
}

func (r *recorder) updateConfig(runID string, data map[string]any) error {
	return r.client.Publish(service.KindConfig, runID, service.ConfigRecord{Data: data})
}

func (r *recorder) updateSummary(runID string, data map[string]any) error {
	return r.client.Publish(service.KindSummary, runID, service.SummaryRecord{Data: data})
}

func (r *recorder) saveFile(runID string, rec service.FileRecord) error {
	return r.client.Publish(service.KindFile, runID, rec)
}

func (r *recorder) alert(runID string, rec service.AlertRecord) error {
	return r.client.Publish(service.KindAlert, runID, rec)
}

func (r *recorder) finish(runID string, req service.FinishRequest) (model.Run, error) {
	resp, err := deliverWait[service.FinishResponse](r.client, service.KindFinish, runID, req)
	if err != nil {
		return model.Run{}, err
	}
	return resp.Run, nil
}

// Deliver exposes the raw request path for the status monitor.
func (r *recorder) Deliver(kind, runID string, payload any) (*mailbox.Handle, error) {
	return r.client.Deliver(kind, runID, payload)
}

func (r *recorder) teardown() error {
	h, err := r.client.Deliver(service.KindTeardown, "", nil)
	if err != nil {
		return err
	}
	raw, err := h.Wait(context.Background(), 10*time.Second)
	if err != nil {
		return commErrorf(err, "teardown service")
	}
	if _, err := service.DecodeResponse[struct{}](raw); err != nil {
		return commErrorf(err, "teardown service")
	}
	return nil
}

func (r *recorder) close() error {
	err := r.client.Close()
	if r.ownedSrv != nil {
		r.ownedSrv.Close()
	}
	return err
}

func deliverWait[T any](c *service.Client, kind, runID string, payload any) (T, error) {
	var zero T
	h, err := c.Deliver(kind, runID, payload)
	if err != nil {
		return zero, commErrorf(err, "send %s", kind)
	}
	raw, err := h.Wait(context.Background(), resultTimeout)
	if err != nil {
		h.Abandon()
		return zero, commErrorf(err, "wait for %s result", kind)
	}
	resp, err := service.DecodeResponse[T](raw)
	if err != nil {
		return zero, fmt.Errorf("tracklab: %s failed: %w", kind, err)
	}
	return resp, nil
}
