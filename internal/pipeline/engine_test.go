package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/jobflow/internal/metadata"
	"github.com/your-org/jobflow/pkg/storage/objectstore"
)

// fakeStore is an in-memory RecordStore shared by engine and router tests.
type fakeStore struct {
	mu        sync.Mutex
	records   []metadata.Record
	appendErr error
	lookupErr error
}

func (s *fakeStore) Append(_ context.Context, rec metadata.Record) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) LatestTerminal(_ context.Context, jobID string) (*metadata.Record, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].JobID == jobID && s.records[i].Status.Terminal() {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, metadata.ErrNotFound
}

func (s *fakeStore) InvalidAttempts(_ context.Context, jobID string) (int, error) {
	if s.lookupErr != nil {
		return 0, s.lookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.JobID == jobID && rec.Status == metadata.StatusInvalid {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) byStatus(status metadata.Status) []metadata.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metadata.Record
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// fakeObjects serves a single object from memory.
type fakeObjects struct {
	content []byte
	info    objectstore.ObjectInfo
	getErr  error
}

func (f *fakeObjects) Get(context.Context, string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if f.getErr != nil {
		return nil, objectstore.ObjectInfo{}, f.getErr
	}
	return io.NopCloser(bytes.NewReader(f.content)), f.info, nil
}

func (f *fakeObjects) Stat(context.Context, string) (objectstore.ObjectInfo, error) {
	return f.info, nil
}
func (f *fakeObjects) CopyFrom(context.Context, string, string, string, map[string]string) error {
	return nil
}
func (f *fakeObjects) List(context.Context, string) ([]objectstore.ObjectInfo, error) {
	return nil, nil
}
func (f *fakeObjects) PresignedPut(context.Context, string, time.Duration) (*url.URL, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeObjects) Close() error { return nil }

type quarantineCall struct {
	Bucket, Key, Reason string
	PriorRetryCount     int
}

type fakeQuarantine struct {
	calls []quarantineCall
	err   error
}

func (q *fakeQuarantine) Quarantine(_ context.Context, bucket, key, reason string, prior int) error {
	if q.err != nil {
		return q.err
	}
	q.calls = append(q.calls, quarantineCall{bucket, key, reason, prior})
	return nil
}

type fakeAlerts struct {
	mu         sync.Mutex
	errors     int
	violations int
}

func (a *fakeAlerts) RecordError(string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors++
}

func (a *fakeAlerts) RecordConsistencyViolation(context.Context, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.violations++
}

func (a *fakeAlerts) errorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errors
}

type engineFixture struct {
	engine  *Engine
	store   *fakeStore
	objects *fakeObjects
	quar    *fakeQuarantine
	alerts  *fakeAlerts
}

func newEngineFixture(content []byte, info objectstore.ObjectInfo) *engineFixture {
	f := &engineFixture{
		store:   &fakeStore{},
		objects: &fakeObjects{content: content, info: info},
		quar:    &fakeQuarantine{},
		alerts:  &fakeAlerts{},
	}
	f.engine = NewEngine(EngineParams{
		Store:      f.store,
		Objects:    f.objects,
		Quarantine: f.quar,
		Validator:  JobFileValidator{},
		Errors:     f.alerts,
		Logger:     zap.NewNop(),
		Config: EngineConfig{
			AllowedContentTypes: []string{"application/json"},
			MaxSizeBytes:        1024,
			MaxReadBytes:        1 << 20,
			Timeout:             5 * time.Second,
		},
	})
	return f
}

func jsonInfo(size int64) objectstore.ObjectInfo {
	return objectstore.ObjectInfo{Size: size, ContentType: "application/json"}
}

func testEvent() JobEvent {
	return JobEvent{Bucket: "uploads", Key: "2026/08/30/job.json", Size: 20, EventID: "ev-1"}
}

func TestEngine_ValidUpload(t *testing.T) {
	content := []byte(`{"job_id": "job-42", "payload": {"rows": 3}}`)
	f := newEngineFixture(content, jsonInfo(int64(len(content))))

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusValid, res.Status)
	assert.Equal(t, DeriveJobID("uploads", "2026/08/30/job.json"), res.JobID)

	valid := f.store.byStatus(metadata.StatusValid)
	require.Len(t, valid, 1)
	assert.Equal(t, "job-42", valid[0].Extracted["declared_job_id"])
	assert.Empty(t, f.quar.calls)
	assert.Zero(t, f.alerts.errorCount())
}

func TestEngine_EmptyFileIsInvalid(t *testing.T) {
	f := newEngineFixture(nil, jsonInfo(0))

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusInvalid, res.Status)
	assert.Equal(t, ReasonEmpty, res.Reason)

	require.Len(t, f.quar.calls, 1)
	assert.Equal(t, ReasonEmpty, f.quar.calls[0].Reason)
	assert.Equal(t, 0, f.quar.calls[0].PriorRetryCount)

	invalid := f.store.byStatus(metadata.StatusInvalid)
	require.Len(t, invalid, 1)
	assert.Equal(t, ReasonEmpty, invalid[0].Reason)
	assert.Zero(t, f.alerts.errorCount(), "validation failures are not operator errors")
}

func TestEngine_OversizedIsInvalidNotError(t *testing.T) {
	f := newEngineFixture([]byte(`{}`), jsonInfo(4096))

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusInvalid, res.Status)
	assert.Equal(t, ReasonOversized, res.Reason)
	assert.Zero(t, f.alerts.errorCount())
}

func TestEngine_UnsupportedContentTypeIsInvalid(t *testing.T) {
	f := newEngineFixture([]byte("hello"), objectstore.ObjectInfo{Size: 5, ContentType: "application/zip"})

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusInvalid, res.Status)
	assert.Equal(t, ReasonUnsupportedType, res.Reason)
}

func TestEngine_ContentTypeParametersIgnored(t *testing.T) {
	content := []byte(`{"job_id": "p1"}`)
	f := newEngineFixture(content, objectstore.ObjectInfo{
		Size:        int64(len(content)),
		ContentType: "application/json; charset=utf-8",
	})

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusValid, res.Status)
}

func TestEngine_ReadCapRejectsAsOversized(t *testing.T) {
	// with no size ceiling, a file larger than the read cap must reject as
	// oversized rather than hand truncated JSON to the validator
	content := []byte(`{"job_id": "big-1", "payload": {"rows": [1, 2, 3, 4, 5]}}`)
	f := newEngineFixture(content, jsonInfo(int64(len(content))))
	f.engine = NewEngine(EngineParams{
		Store:      f.store,
		Objects:    f.objects,
		Quarantine: f.quar,
		Validator:  JobFileValidator{},
		Errors:     f.alerts,
		Logger:     zap.NewNop(),
		Config: EngineConfig{
			AllowedContentTypes: []string{"application/json"},
			MaxReadBytes:        16,
			Timeout:             5 * time.Second,
		},
	})

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusInvalid, res.Status)
	assert.Equal(t, ReasonOversized, res.Reason)

	invalid := f.store.byStatus(metadata.StatusInvalid)
	require.Len(t, invalid, 1)
	assert.Equal(t, ReasonOversized, invalid[0].Reason)
}

func TestEngine_MalformedJSONIsInvalid(t *testing.T) {
	f := newEngineFixture([]byte(`{"job_id": `), jsonInfo(12))

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusInvalid, res.Status)
	assert.Equal(t, ReasonMalformedJSON, res.Reason)
}

func TestEngine_MissingJobIDIsInvalid(t *testing.T) {
	f := newEngineFixture([]byte(`{"name": "no id here"}`), jsonInfo(22))

	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusInvalid, res.Status)
	assert.Equal(t, ReasonMissingJobID, res.Reason)
}

func TestEngine_FetchFailureIsTransient(t *testing.T) {
	f := newEngineFixture(nil, jsonInfo(0))
	f.objects.getErr = errors.New("storage timeout")

	res, err := f.engine.Process(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, metadata.StatusError, res.Status)
	assert.Equal(t, 1, f.alerts.errorCount())

	errs := f.store.byStatus(metadata.StatusError)
	require.Len(t, errs, 1, "a best-effort Error record is written for observability")
	assert.Empty(t, f.quar.calls)
}

func TestEngine_RecordWriteFailureIsError(t *testing.T) {
	content := []byte(`{"job_id": "j1"}`)
	f := newEngineFixture(content, jsonInfo(int64(len(content))))
	f.store.appendErr = errors.New("store unavailable")

	res, err := f.engine.Process(context.Background(), testEvent())
	require.Error(t, err, "the attempt must not report Valid if the record write failed")
	assert.Equal(t, metadata.StatusError, res.Status)
	assert.Equal(t, 1, f.alerts.errorCount())
}

func TestEngine_QuarantineFailureIsError(t *testing.T) {
	f := newEngineFixture(nil, jsonInfo(0))
	f.quar.err = errors.New("quarantine bucket unavailable")

	res, err := f.engine.Process(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, metadata.StatusError, res.Status)
	assert.Empty(t, f.store.byStatus(metadata.StatusInvalid),
		"no terminal record may exist while quarantine placement failed")
}

func TestEngine_ConflictRaisesConsistencyViolation(t *testing.T) {
	content := []byte(`{"job_id": "j1"}`)
	f := newEngineFixture(content, jsonInfo(int64(len(content))))
	f.store.appendErr = metadata.ErrConflict

	_, err := f.engine.Process(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, 1, f.alerts.violations)
}

func TestEngine_ErrorThenValidHistory(t *testing.T) {
	content := []byte(`{"job_id": "retry-1"}`)
	f := newEngineFixture(content, jsonInfo(int64(len(content))))
	f.objects.getErr = errors.New("read timeout")

	_, err := f.engine.Process(context.Background(), testEvent())
	require.Error(t, err)

	// redelivery after the outage clears
	f.objects.getErr = nil
	res, err := f.engine.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusValid, res.Status)

	require.Len(t, f.store.records, 2)
	assert.Equal(t, metadata.StatusError, f.store.records[0].Status)
	assert.Equal(t, metadata.StatusValid, f.store.records[1].Status)
	assert.Equal(t, f.store.records[0].JobID, f.store.records[1].JobID)
}

func TestEngine_RepeatedInvalidIncrementsRetryCount(t *testing.T) {
	f := newEngineFixture(nil, jsonInfo(0))

	for i := 0; i < 2; i++ {
		res, err := f.engine.Process(context.Background(), testEvent())
		require.NoError(t, err)
		require.Equal(t, metadata.StatusInvalid, res.Status)
	}

	require.Len(t, f.quar.calls, 2)
	assert.Equal(t, 0, f.quar.calls[0].PriorRetryCount)
	assert.Equal(t, 1, f.quar.calls[1].PriorRetryCount,
		"retry count grows per processing attempt")
}
