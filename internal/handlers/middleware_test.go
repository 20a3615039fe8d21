package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"github.com/Brownie44l1/detect-api/internal/imagesource"
	"github.com/Brownie44l1/detect-api/internal/model"
)

func TestAccessLogRecoversPanics(t *testing.T) {
	h := WithRequestID(AccessLog(zap.NewNop().Sugar(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("tensor shape mismatch")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", nil))

	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, rec.Header().Get(RequestIDHeader), test.ShouldNotBeEmpty)
	var body ErrorResponse
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body.Code, test.ShouldEqual, "internal")
	test.That(t, body.Error, test.ShouldContainSubstring, "tensor shape mismatch")
}

func TestAccessLogReraisesAbort(t *testing.T) {
	h := AccessLog(zap.NewNop().Sugar(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	rec := httptest.NewRecorder()
	test.That(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
	}, test.ShouldPanicWith, http.ErrAbortHandler)
	test.That(t, rec.Body.Len(), test.ShouldEqual, 0)
}

func TestWriteErrorLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewHandler(nil, nil, imagesource.Limits{}, zap.New(core).Sugar())

	for _, tc := range []struct {
		err     error
		status  int
		level   zapcore.Level
		message string
	}{
		{errors.Wrap(errBadRequest, "image_url is required"), http.StatusBadRequest, zapcore.WarnLevel, "request rejected"},
		{errors.Wrap(imagesource.ErrNotFound, "/img.png"), http.StatusNotFound, zapcore.WarnLevel, "request rejected"},
		{errors.Wrap(model.ErrInference, "device lost"), http.StatusInternalServerError, zapcore.ErrorLevel, "request failed"},
		{errors.Wrap(imagesource.ErrFetch, "connection refused"), http.StatusBadGateway, zapcore.ErrorLevel, "request failed"},
	} {
		rec := httptest.NewRecorder()
		h.writeError(rec, httptest.NewRequest(http.MethodPost, "/predict", nil), tc.err)
		test.That(t, rec.Code, test.ShouldEqual, tc.status)

		entries := logs.TakeAll()
		test.That(t, entries, test.ShouldHaveLength, 1)
		test.That(t, entries[0].Level, test.ShouldEqual, tc.level)
		test.That(t, entries[0].Message, test.ShouldEqual, tc.message)
		test.That(t, entries[0].ContextMap()["status"], test.ShouldEqual, int64(tc.status))
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	_, err := rec.Write([]byte("ok"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.status, test.ShouldEqual, http.StatusOK)

	rec = &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	rec.WriteHeader(http.StatusTeapot)
	test.That(t, rec.status, test.ShouldEqual, http.StatusTeapot)
}

func TestRequestIDRejectsOversizedHeader(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	req.Header.Set(RequestIDHeader, string(long))
	h.ServeHTTP(httptest.NewRecorder(), req)
	test.That(t, seen, test.ShouldHaveLength, 36)
}

func TestClassify(t *testing.T) {
	status, code := classify(errBadRequest)
	test.That(t, status, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, code, test.ShouldEqual, "bad_request")

	status, code = classify(http.ErrHandlerTimeout)
	test.That(t, status, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, code, test.ShouldEqual, "internal")
}
