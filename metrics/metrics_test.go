package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/adapter"
	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
)

func TestObserver_Transfers(t *testing.T) {
	o, err := NewObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	o.TransferStarted(adapter.StageReceive, "a.xml")
	o.TransferFinished(adapter.StageReceive, adapter.FileOutcome{Size: 120, Status: adapter.StatusUploaded}, 40*time.Millisecond)
	o.TransferFinished(adapter.StageReceive, adapter.FileOutcome{Size: 64, Status: adapter.StatusUploadError}, time.Millisecond)
	o.TransferFinished(adapter.StageSend, adapter.FileOutcome{Size: 120, Status: adapter.StatusReadSuccess}, time.Millisecond)

	assert.InDelta(t, 120, testutil.ToFloat64(o.transferBytes.WithLabelValues(adapter.StageReceive)), 0)
	assert.InDelta(t, 120, testutil.ToFloat64(o.transferBytes.WithLabelValues(adapter.StageSend)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.transferFiles.WithLabelValues(adapter.StageReceive, "UPLOAD_ERROR")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.transferFiles.WithLabelValues(adapter.StageReceive, "UPLOADED")), 0)
}

func TestObserver_Connections(t *testing.T) {
	o, err := NewObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	o.RecordConnectAttempt("transfer@sftp.test:22", errors.New("refused"))
	o.RecordConnectAttempt("transfer@sftp.test:22", nil)
	o.RecordConnectAttempt("transfer@sftp.test:22", nil)
	o.ObserveConnections(map[string]connection.PoolStats{"transfer@sftp.test:22": {Idle: 2, InUse: 1}})

	assert.InDelta(t, 1, testutil.ToFloat64(o.connectionAttempts.WithLabelValues("failure")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(o.connectionAttempts.WithLabelValues("success")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(o.connectionsIdle.WithLabelValues("transfer@sftp.test:22")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.connectionsInUse.WithLabelValues("transfer@sftp.test:22")), 0)
}

func TestObserver_Pools(t *testing.T) {
	o, err := NewObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	o.ObservePools(engine.PoolStats{Name: "execution", Workers: 4, Queued: 3, Active: 2})
	assert.InDelta(t, 4, testutil.ToFloat64(o.poolWorkers.WithLabelValues("execution")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(o.poolQueued.WithLabelValues("execution")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(o.poolActive.WithLabelValues("execution")), 0)
}

func TestNewObserver_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewObserver(reg)
	require.NoError(t, err)
	second, err := NewObserver(reg)
	require.NoError(t, err, "registering twice must not fail")

	second.RecordConnectAttempt("x", nil)
	assert.InDelta(t, 1, testutil.ToFloat64(first.connectionAttempts.WithLabelValues("success")), 0)
}

func TestObserver_NilIsSafe(t *testing.T) {
	var o *Observer
	o.TransferFinished(adapter.StageSend, adapter.FileOutcome{}, 0)
	o.RecordConnectAttempt("x", nil)
	o.ObservePools(engine.PoolStats{Name: "flow"})
	o.ObserveConnections(nil)
}
