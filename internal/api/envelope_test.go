package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/covenlabs/conclave/internal/fault"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindValidation, http.StatusBadRequest},
		{fault.KindPermission, http.StatusForbidden},
		{fault.KindNotFound, http.StatusNotFound},
		{fault.KindPrecondition, http.StatusConflict},
		{fault.KindDeadline, http.StatusConflict},
		{fault.KindAnomaly, http.StatusUnprocessableEntity},
		{fault.KindPersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := statusFor(tt.kind); got != tt.want {
				t.Errorf("statusFor(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantInMsg  string
	}{
		{
			name:       "typed rejection keeps its reason",
			err:        fault.New(fault.KindDeadline, "decision window for round 3 elapsed"),
			wantStatus: http.StatusConflict,
			wantInMsg:  "round 3 elapsed",
		},
		{
			name:       "untyped error is masked",
			err:        errors.New("pq: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantInMsg:  "internal error",
		},
		{
			name:       "wrapped store error is masked",
			err:        fault.Wrap(fault.KindPersistence, errors.New("tx aborted"), "commit session"),
			wantStatus: http.StatusInternalServerError,
			wantInMsg:  "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body envelope
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.wantStatus {
				t.Errorf("envelope code = %d, want %d", body.Code, tt.wantStatus)
			}
			if !strings.Contains(body.Message, tt.wantInMsg) {
				t.Errorf("message %q does not contain %q", body.Message, tt.wantInMsg)
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(body.Message, "pq:") {
				t.Error("internal detail leaked to the client")
			}
		})
	}
}

func TestRespond(t *testing.T) {
	rec := httptest.NewRecorder()
	respond(rec, http.StatusCreated, map[string]string{"id": "abc"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body envelope
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != http.StatusCreated || body.Message != http.StatusText(http.StatusCreated) {
		t.Errorf("envelope = %+v", body)
	}
	if body.Data == nil {
		t.Error("payload dropped")
	}
}
