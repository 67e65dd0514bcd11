package arrow_client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
)

// Collector is a Flight service that accepts trace puts and serves them back
// through DoGet.
type Collector struct {
	flight.BaseFlightServer

	mu    sync.RWMutex
	steps []generation.Step

	server flight.Server
}

func NewCollector() *Collector { return &Collector{} }

// Listen binds addr; use ":0" for an ephemeral port.
func (c *Collector) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	c.server = flight.NewServerWithMiddleware(nil)
	c.server.RegisterFlightService(c)
	c.server.InitListener(lis)
	return lis.Addr(), nil
}

// Serve blocks until Shutdown.
func (c *Collector) Serve() error {
	if c.server == nil {
		return fmt.Errorf("collector not listening")
	}
	logger.Log.Info("trace collector listening", "addr", c.server.Addr().String())
	return c.server.Serve()
}

func (c *Collector) Shutdown() {
	if c.server != nil {
		c.server.Shutdown()
	}
}

// Steps returns a copy of everything received.
func (c *Collector) Steps() []generation.Step {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]generation.Step(nil), c.steps...)
}

func (c *Collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad trace stream: %v", err)
	}
	defer rdr.Release()
	if d := rdr.LatestFlightDescriptor(); d != nil && (len(d.Path) != 1 || d.Path[0] != TracePath) {
		return status.Errorf(codes.NotFound, "unknown flight %v", d.Path)
	}

	rows := 0
	for rdr.Next() {
		steps, err := RecordToSteps(rdr.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		c.mu.Lock()
		c.steps = append(c.steps, steps...)
		c.mu.Unlock()
		rows += len(steps)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	logger.Log.Debug("trace batch received", "rows", rows)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(rows))})
}

func (c *Collector) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if string(tkt.Ticket) != TracePath {
		return status.Errorf(codes.NotFound, "unknown ticket %q", tkt.Ticket)
	}
	rec := StepsToRecord(memory.NewGoAllocator(), c.Steps())
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(TraceSchema))
	defer w.Close()
	if rec.NumRows() == 0 {
		return nil
	}
	return w.Write(rec)
}
