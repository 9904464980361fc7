package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/metrics"
)

// Publisher ships result records to a store under a descriptor path.
type Publisher interface {
	Publish(ctx context.Context, path []string, rec arrow.Record) error
	Close() error
}

// FlightPublisher sends records to an Arrow Flight server with DoPut.
type FlightPublisher struct {
	addr    string
	client  flight.Client
	timeout time.Duration
}

func NewFlightPublisher(addr string) *FlightPublisher {
	return &FlightPublisher{addr: addr, timeout: 30 * time.Second}
}

// Connect dials the Flight server without TLS.
func (fp *FlightPublisher) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fp.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fp.client = client
	return nil
}

func (fp *FlightPublisher) Close() error {
	if fp.client != nil {
		return fp.client.Close()
	}
	return nil
}

// Publish streams rec under a PATH descriptor and waits for the server to
// finish the exchange.
func (fp *FlightPublisher) Publish(ctx context.Context, path []string, rec arrow.Record) error {
	if fp.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fp.timeout)
	defer cancel()

	stream, err := fp.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut: %w", err)
		}
	}

	metrics.RecordResultsPublished("flight", int(rec.NumRows()))
	logger.Log.Info("Published results", "addr", fp.addr, "path", path, "rows", rec.NumRows())
	return nil
}

// MockPublisher keeps published records in memory.
type MockPublisher struct {
	mu      sync.RWMutex
	closed  bool
	records map[string]arrow.Record
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{records: make(map[string]arrow.Record)}
}

func pathKey(path []string) string {
	return fmt.Sprint(path)
}

func (m *MockPublisher) Publish(ctx context.Context, path []string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("publisher closed")
	}
	rec.Retain()
	if old, ok := m.records[pathKey(path)]; ok {
		old.Release()
	}
	m.records[pathKey(path)] = rec
	metrics.RecordResultsPublished("mock", int(rec.NumRows()))
	return nil
}

// Record returns what was last published under path.
func (m *MockPublisher) Record(path []string) (arrow.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[pathKey(path)]
	return rec, ok
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range m.records {
		rec.Release()
		delete(m.records, k)
	}
	m.closed = true
	return nil
}
