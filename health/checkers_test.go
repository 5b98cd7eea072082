package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/artery-go/changelog"
	"github.com/glimte/artery-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTransportChecker(t *testing.T) {
	tr := memory.NewTransport()
	checker := NewTransportChecker(tr)
	assert.Equal(t, "transport", checker.Name())

	t.Run("Disconnected transport is unhealthy", func(t *testing.T) {
		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, false, result.Details["connected"])
	})

	t.Run("Connected transport without a loop is degraded", func(t *testing.T) {
		require.NoError(t, tr.Connect(context.Background(), nil))
		result := checker.Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
	})

	t.Run("Running transport is healthy", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var result CheckResult
		require.NoError(t, tr.Start(ctx, func(ctx context.Context) {
			result = checker.Check(ctx)
			tr.Stop()
		}))
		assert.Equal(t, StatusHealthy, result.Status)
	})

	t.Run("Closed transport is unhealthy", func(t *testing.T) {
		require.NoError(t, tr.Close())
		assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
	})
}

type mockConnectivity struct {
	mock.Mock
}

func (m *mockConnectivity) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockConnectivity) Running() bool {
	return m.Called().Bool(0)
}

func TestTransportCheckerStates(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		running   bool
		want      Status
	}{
		{"disconnected", false, false, StatusUnhealthy},
		{"disconnected while running", false, true, StatusUnhealthy},
		{"connected without loop", true, false, StatusDegraded},
		{"connected and running", true, true, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &mockConnectivity{}
			transport.On("IsConnected").Return(tt.connected)
			transport.On("Running").Return(tt.running)

			result := NewTransportChecker(transport).Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.running, result.Details["loop_running"])
			transport.AssertExpectations(t)
		})
	}
}

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Find(ctx context.Context, filter changelog.Filter) ([]changelog.Record, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]changelog.Record), args.Error(1)
}

func (m *mockStorage) MaxID(ctx context.Context, filter changelog.Filter) (int64, bool, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

type failingStorage struct {
	changelog.Storage
}

func (failingStorage) Ping(ctx context.Context) error {
	return errors.New("database is locked")
}

func TestStorageChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("Readable storage reports the latest index", func(t *testing.T) {
		storage := changelog.NewMemoryStorage()
		_, err := storage.Append(ctx, "order", json.RawMessage(`{}`))
		require.NoError(t, err)

		result := NewStorageChecker(storage, "order").Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, int64(1), result.Details["latest_index"])
	})

	t.Run("Failing read is unhealthy", func(t *testing.T) {
		storage := &mockStorage{}
		storage.On("MaxID", mock.Anything, changelog.Filter{Model: "order"}).Return(int64(0), false, errors.New("no such table"))

		result := NewStorageChecker(storage, "order").Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "no such table", result.Error)
		storage.AssertExpectations(t)
	})

	t.Run("Without a model only reachability is checked", func(t *testing.T) {
		storage := &mockStorage{}

		result := NewStorageChecker(storage, "").Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		storage.AssertNotCalled(t, "MaxID", mock.Anything, mock.Anything)
	})

	t.Run("Failing ping is unhealthy", func(t *testing.T) {
		result := NewStorageChecker(failingStorage{changelog.NewMemoryStorage()}, "order").Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "database is locked", result.Error)
	})
}

type fixedPending int

func (p fixedPending) Pending() int { return int(p) }

func TestPendingChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewPendingChecker(fixedPending(3), 10).Check(context.Background()).Status)

	result := NewPendingChecker(fixedPending(11), 10).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 11, result.Details["pending"])

	assert.Equal(t, StatusHealthy, NewPendingChecker(fixedPending(1000), 0).Check(context.Background()).Status)
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("cache", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
		return StatusDegraded, "cold", map[string]interface{}{"hits": 0}, errors.New("warming up")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "cache", result.Name)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "cold", result.Message)
	assert.Equal(t, "warming up", result.Error)
	assert.Equal(t, 0, result.Details["hits"])
}
