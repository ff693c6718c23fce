package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/database"
	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"github.com/MarcoPoloResearchLab/roomsync/internal/projector"
	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"github.com/MarcoPoloResearchLab/roomsync/internal/server"
	"github.com/MarcoPoloResearchLab/roomsync/internal/upstream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const jsonContentType = "application/json"

type collector struct {
	handler http.Handler
	ingest  *ingest.Service
}

func newCollector(testContext *testing.T) collector {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "callback_data.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	store, err := records.NewStore(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	ingestService, err := ingest.NewService(ingest.ServiceConfig{Store: store, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build ingest service: %v", err)
	}
	roomProjector, err := projector.New(projector.Config{Store: store, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build projector: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ingestor:  ingestService,
		Projector: roomProjector,
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return collector{handler: handler, ingest: ingestService}
}

func (c collector) post(testContext *testing.T, path string, payload any) map[string]any {
	testContext.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	recorder := httptest.NewRecorder()
	c.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("POST %s returned %d: %s", path, recorder.Code, recorder.Body.String())
	}
	return decode(testContext, recorder)
}

func (c collector) get(testContext *testing.T, path string, expectedStatus int) map[string]any {
	testContext.Helper()
	recorder := httptest.NewRecorder()
	c.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	if recorder.Code != expectedStatus {
		testContext.Fatalf("GET %s returned %d, want %d: %s", path, recorder.Code, expectedStatus, recorder.Body.String())
	}
	return decode(testContext, recorder)
}

func decode(testContext *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testContext.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func chatEntries(count int) []map[string]any {
	entries := make([]map[string]any, 0, count)
	for index := 0; index < count; index++ {
		entries = append(entries, map[string]any{"user_id": "u1", "content": "hello", "created_at": 1000 + index})
	}
	return entries
}

func TestLegacySyncThenChatBatchFlow(testContext *testing.T) {
	app := newCollector(testContext)

	app.post(testContext, "/sync/room", map[string]any{
		"room_id":        "r1",
		"admin_user_ids": []string{"admin"},
		"stats":          map[string]any{"current_users": 3, "peak_users": 4, "total_joins": 7},
		"chat_history":   chatEntries(3),
		"session_history": []map[string]any{
			{"user_id": "u1", "join_time": 900, "leave_time": 950, "duration_seconds": 50},
			{"user_id": "u2", "join_time": 910},
		},
	})

	detail := app.get(testContext, "/rooms/r1", http.StatusOK)
	if detail["chat_count"] != float64(3) || detail["session_count"] != float64(2) {
		testContext.Fatalf("unexpected counts after legacy sync: %v", detail)
	}

	firstPage := app.post(testContext, "/api/chat-history", map[string]any{
		"room_id":       "r1",
		"batch_id":      "b1",
		"messages":      chatEntries(2),
		"is_last_batch": false,
	})
	if firstPage["is_last_batch"] != false || firstPage["batch_state"] != string(records.BatchStateInProgress) {
		testContext.Fatalf("unexpected first page response: %v", firstPage)
	}
	status := app.get(testContext, "/rooms/r1/batches/chat/b1", http.StatusOK)
	if status["completed"] != false {
		testContext.Fatalf("batch must not be complete after a non-last page: %v", status)
	}

	secondPage := app.post(testContext, "/api/chat-history", map[string]any{
		"room_id":       "r1",
		"batch_id":      "b1",
		"messages":      chatEntries(1),
		"is_last_batch": true,
	})
	if secondPage["is_last_batch"] != true || secondPage["message"] != "Chat history batch b1 processed" {
		testContext.Fatalf("unexpected second page response: %v", secondPage)
	}
	status = app.get(testContext, "/rooms/r1/batches/chat/b1", http.StatusOK)
	if status["completed"] != true || status["pages_received"] != float64(2) || status["records_received"] != float64(3) {
		testContext.Fatalf("expected completed batch after last page: %v", status)
	}

	detail = app.get(testContext, "/rooms/r1", http.StatusOK)
	if detail["chat_count"] != float64(6) {
		testContext.Fatalf("expected 6 chat records, got %v", detail["chat_count"])
	}

	history := app.get(testContext, "/rooms/r1/chat-history?page=1&limit=4", http.StatusOK)
	pagination, ok := history["pagination"].(map[string]any)
	if !ok || pagination["total_records"] != float64(6) || pagination["total_pages"] != float64(2) || pagination["has_next"] != true {
		testContext.Fatalf("unexpected pagination: %v", history["pagination"])
	}

	overflow := app.get(testContext, "/rooms/r1/chat-history?page=4611686018427387905&limit=4", http.StatusBadRequest)
	if overflow["code"] != "projector.chat_history.invalid_page" {
		testContext.Fatalf("unexpected overflow response: %v", overflow)
	}
}

func TestRoomWithoutSnapshotIsNotFound(testContext *testing.T) {
	app := newCollector(testContext)

	app.post(testContext, "/api/chat-history", map[string]any{
		"room_id":       "orphan",
		"batch_id":      "b1",
		"messages":      chatEntries(2),
		"is_last_batch": true,
	})

	body := app.get(testContext, "/rooms/orphan", http.StatusNotFound)
	if body["error"] != "Room not found" {
		testContext.Fatalf("unexpected body %v", body)
	}
	stats := app.get(testContext, "/stats", http.StatusOK)
	if stats["total_rooms"] != float64(0) || stats["total_chat_records"] != float64(2) {
		testContext.Fatalf("unexpected stats %v", stats)
	}
}

func TestStatsCountDistinctRoomsAcrossSyncs(testContext *testing.T) {
	app := newCollector(testContext)

	for _, roomID := range []string{"r1", "r2", "r1"} {
		app.post(testContext, "/sync/room", map[string]any{"room_id": roomID})
	}
	app.post(testContext, "/api/periodic-sync", map[string]any{
		"room_id":        "r3",
		"timestamp":      1699999990,
		"room_info":      map[string]any{"current_connections": 2, "created_at": 1699990000},
		"last_sync_time": 1699999000,
	})
	app.post(testContext, "/api/room-events", map[string]any{
		"event_type": "room_created",
		"room_id":    "r3",
		"data":       map[string]any{"admin": "a1"},
	})

	stats := app.get(testContext, "/stats", http.StatusOK)
	if stats["total_rooms"] != float64(3) || stats["today_syncs"] != float64(4) || stats["total_events"] != float64(1) {
		testContext.Fatalf("unexpected stats %v", stats)
	}

	rooms := app.get(testContext, "/rooms", http.StatusOK)
	listing, ok := rooms["rooms"].([]any)
	if !ok || len(listing) != 3 {
		testContext.Fatalf("expected 3 rooms, got %v", rooms["rooms"])
	}
}

func TestMissingBodyIsRejected(testContext *testing.T) {
	app := newCollector(testContext)

	recorder := httptest.NewRecorder()
	app.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/sync/room", http.NoBody))
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", recorder.Code)
	}
	body := decode(testContext, recorder)
	if body["code"] != "ingest.legacy_sync.payload_missing" {
		testContext.Fatalf("unexpected code %v", body["code"])
	}
}

func TestPulledPayloadsAreStoredLikePushedSyncs(testContext *testing.T) {
	app := newCollector(testContext)

	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "admin-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		_, _ = w.Write([]byte(`[
			{"room_id":"pulled","admin_user_ids":["a1"],"chat_history":[{"user_id":"u1","content":"hi","created_at":5}],"session_history":[],"current_users":1,"peak_users":2,"total_joins":3},
			{"room_id":"broken","chat_history":"not-a-list"}
		]`))
	}))
	defer upstreamServer.Close()

	client, err := upstream.NewClient(upstream.ClientConfig{BaseURL: upstreamServer.URL, APIKey: "admin-key"})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	puller, err := upstream.NewPuller(upstream.PullerConfig{Source: client, Ingestor: app.ingest})
	if err != nil {
		testContext.Fatalf("failed to build puller: %v", err)
	}

	report, err := puller.PullOnce(context.Background())
	if err != nil {
		testContext.Fatalf("pull failed: %v", err)
	}
	if report.Stored != 1 || report.Failed != 1 {
		testContext.Fatalf("unexpected pull report %+v", report)
	}

	detail := app.get(testContext, "/rooms/pulled", http.StatusOK)
	if detail["peak_users"] != float64(2) || detail["chat_count"] != float64(1) {
		testContext.Fatalf("unexpected pulled room detail %v", detail)
	}
}
