package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
)

const (
	// PortData is the Flight port used when an address has none.
	PortData = 3000
	// TracePath names the flight that trace batches are put to.
	TracePath = "traces"
)

// FlightClient sends trace batches to a Flight collector over plaintext gRPC.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient prepares a client for addr ("host" or "host:port").
func NewFlightClient(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty flight address")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(PortData))
	}
	return &FlightClient{addr: addr, timeout: 30 * time.Second}, nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes connection to the Flight server.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("flight client connected", "addr", fc.addr)
	return nil
}

func (fc *FlightClient) Name() string { return "flight" }

// Write puts one batch, bounded by the client timeout.
func (fc *FlightClient) Write(rec arrow.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), fc.timeout)
	defer cancel()
	return fc.DoPut(ctx, rec)
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// DoPut streams recs to the trace flight and waits for the server to
// acknowledge them.
func (fc *FlightClient) DoPut(ctx context.Context, recs ...arrow.Record) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(TraceSchema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{TracePath}})
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("DoPut: %w", err)
		}
	}
}

// DoGet fetches every step the collector holds.
func (fc *FlightClient) DoGet(ctx context.Context) ([]generation.Step, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}
	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(TracePath)})
	if err != nil {
		return nil, fmt.Errorf("failed to create DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read DoGet stream: %w", err)
	}
	defer rdr.Release()

	var out []generation.Step
	for rdr.Next() {
		steps, err := RecordToSteps(rdr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, steps...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}
