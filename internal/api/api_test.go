/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/schedule"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

var noon = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

type apiEnv struct {
	db     *gorm.DB
	locker *lock.LocalLocker
	router chi.Router
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.Event{}, &models.Segment{}, &models.Interstitial{}, &models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	locker := lock.NewLocalLocker(100 * time.Millisecond)
	auditSvc := audit.NewService(db, bus, zerolog.Nop())
	sched := scheduler.New(db, locker, scheduling.NewValidator(zerolog.Nop()), auditSvc, bus, zerolog.Nop())
	views := schedule.NewService(db, nil, zerolog.Nop())

	r := chi.NewRouter()
	New(sched, views, nil, auditSvc, zerolog.Nop()).Routes(r)
	return &apiEnv{db: db, locker: locker, router: r}
}

// seed stores an event at noon with four 30 minute runs. R3 is pinned to
// 13:00 when anchored is set.
func (e *apiEnv) seed(t *testing.T, anchored bool) (string, map[string]string) {
	t.Helper()

	ev := models.Event{ID: uuid.NewString(), Short: "ev-" + uuid.NewString()[:8], Name: "Winter Marathon", Datetime: noon, Timezone: "UTC"}
	if err := e.db.Create(&ev).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}

	ids := make(map[string]string)
	for i, name := range []string{"R1", "R2", "R3", "R4"} {
		start := noon.Add(time.Duration(i) * 30 * time.Minute)
		seg := models.Segment{
			ID:        uuid.NewString(),
			EventID:   ev.ID,
			Name:      name,
			RunTime:   30 * time.Minute,
			Order:     models.IntPtr(i + 1),
			StartTime: models.TimePtr(start),
			EndTime:   models.TimePtr(start.Add(30 * time.Minute)),
		}
		if anchored && name == "R3" {
			seg.AnchorTime = models.TimePtr(start)
		}
		if err := e.db.Create(&seg).Error; err != nil {
			t.Fatalf("create segment: %v", err)
		}
		ids[name] = seg.ID
	}
	return ev.ID, ids
}

func (e *apiEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func (e *apiEnv) order(t *testing.T, eventID string) []string {
	t.Helper()
	var segs []models.Segment
	if err := e.db.Where("event_id = ? AND run_order IS NOT NULL", eventID).Order("run_order").Find(&segs).Error; err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.Name
	}
	return names
}

func TestMoveSegmentEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	eventID, ids := env.seed(t, false)

	rr := env.do(t, http.MethodPatch, "/api/v1/segments/"+ids["R4"], `{"before":"`+ids["R2"]+`"}`, map[string]string{
		ActorHeader: "host-desk",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if body["event_id"] != eventID || body["operation"] != "move" {
		t.Fatalf("unexpected result header: %v", body)
	}
	if got := strings.Join(env.order(t, eventID), ","); got != "R1,R4,R2,R3" {
		t.Fatalf("expected R1,R4,R2,R3, got %s", got)
	}

	var entry models.AuditLog
	if err := env.db.Where("event_id = ? AND action = ?", eventID, models.AuditActionScheduleMove).First(&entry).Error; err != nil {
		t.Fatalf("audit entry: %v", err)
	}
	if entry.Actor != "host-desk" {
		t.Fatalf("expected actor host-desk, got %q", entry.Actor)
	}
	if entry.UserAgent == "" && entry.IPAddress == "" {
		t.Fatalf("expected request origin on audit entry, got %+v", entry)
	}
}

func TestMoveSegmentErrorStatuses(t *testing.T) {
	env := newAPIEnv(t)
	eventID, ids := env.seed(t, true)

	tests := []struct {
		name    string
		segment string
		body    string
		status  int
		code    string
	}{
		{"two destinations", ids["R1"], `{"order":2,"after":"` + ids["R2"] + `"}`, http.StatusBadRequest, "malformed_destination"},
		{"unknown field", ids["R1"], `{"position":2}`, http.StatusBadRequest, "malformed_destination"},
		{"not an object", ids["R1"], `[1]`, http.StatusBadRequest, "malformed_destination"},
		{"self reference", ids["R1"], `{"before":"` + ids["R1"] + `"}`, http.StatusBadRequest, "self_reference"},
		{"dangling reference", ids["R1"], `{"after":"` + uuid.NewString() + `"}`, http.StatusBadRequest, "dangling_reference"},
		{"order out of range", ids["R1"], `{"order":9}`, http.StatusBadRequest, "order_out_of_range"},
		{"unknown segment", uuid.NewString(), `{"order":1}`, http.StatusNotFound, "not_found"},
		{"anchored segment", ids["R3"], `{"order":"last"}`, http.StatusUnprocessableEntity, "anchor_immovable"},
		{"already there", ids["R2"], `{"order":2}`, http.StatusConflict, "no_op"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPatch, "/api/v1/segments/"+tt.segment, tt.body, nil)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if got := decodeBody(t, rr)["error"]; got != tt.code {
				t.Fatalf("expected error %q, got %v", tt.code, got)
			}
		})
	}

	if got := strings.Join(env.order(t, eventID), ","); got != "R1,R2,R3,R4" {
		t.Fatalf("rejected moves changed the schedule: %s", got)
	}
	var n int64
	env.db.Model(&models.AuditLog{}).Where("event_id = ?", eventID).Count(&n)
	if n != 0 {
		t.Fatalf("rejected moves wrote %d audit entries", n)
	}
}

func TestMoveSegmentLockTimeout(t *testing.T) {
	env := newAPIEnv(t)
	eventID, ids := env.seed(t, false)

	release, err := env.locker.Lock(context.Background(), eventID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	rr := env.do(t, http.MethodPatch, "/api/v1/segments/"+ids["R4"], `{"order":1}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := decodeBody(t, rr)["error"]; got != "lock_timeout" {
		t.Fatalf("expected lock_timeout, got %v", got)
	}
}

func TestSegmentCreateAndDurationEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	eventID, ids := env.seed(t, false)

	rr := env.do(t, http.MethodPost, "/api/v1/events/"+eventID+"/segments", `{"name":"Bonus","run_time":"45:00","setup_time":300}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var bonus models.Segment
	if err := env.db.First(&bonus, "event_id = ? AND name = ?", eventID, "Bonus").Error; err != nil {
		t.Fatalf("load created segment: %v", err)
	}
	if bonus.Order != nil {
		t.Fatalf("new segments start unscheduled, got order %d", *bonus.Order)
	}
	if bonus.Duration() != 50*time.Minute {
		t.Fatalf("expected 50m duration, got %s", bonus.Duration())
	}

	rr = env.do(t, http.MethodPost, "/api/v1/events/"+eventID+"/segments", `{"run_time":60}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPatch, "/api/v1/segments/"+ids["R1"]+"/duration", `{"run_time":"1h","setup_time":0}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var r2 models.Segment
	if err := env.db.First(&r2, "id = ?", ids["R2"]).Error; err != nil {
		t.Fatalf("load R2: %v", err)
	}
	if !r2.StartTime.Equal(noon.Add(time.Hour)) {
		t.Fatalf("expected R2 to cascade to 13:00, got %s", r2.StartTime.UTC().Format("15:04"))
	}
}

func TestSegmentAnchorEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	_, ids := env.seed(t, false)

	rr := env.do(t, http.MethodPut, "/api/v1/segments/"+ids["R3"]+"/anchor", `{"anchor_time":"2026-01-05T13:00:00Z"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPatch, "/api/v1/segments/"+ids["R3"], `{"order":1}`, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected anchored move to be refused, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/api/v1/segments/"+ids["R3"]+"/anchor", `{"anchor_time":null}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on release, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPut, "/api/v1/segments/"+ids["R3"]+"/anchor", `{"anchor_time":null,"extra":1}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for extra fields, got %d", rr.Code)
	}
}

func TestScheduleViewEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	eventID, ids := env.seed(t, false)

	rr := env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/schedule", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	entries, ok := decodeBody(t, rr)["entries"].([]any)
	if !ok || len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %v", decodeBody(t, rr)["entries"])
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/schedule/current?at=2026-01-05T12:45:00Z", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	current, _ := decodeBody(t, rr)["current"].(map[string]any)
	if current == nil || current["id"] != ids["R2"] {
		t.Fatalf("expected R2 on air at 12:45, got %v", current)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/schedule/current?at=soon", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad at, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/prize-window?start_run="+ids["R2"]+"&end_run="+ids["R3"], "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/prize-window?start_run="+ids["R4"]+"&end_run="+ids["R2"], "", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reversed window, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/schedule.ics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "BEGIN:VCALENDAR") {
		t.Fatal("expected an iCalendar body")
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+uuid.NewString()+"/schedule", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown event, got %d", rr.Code)
	}
}

func TestEventAuditEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	eventID, ids := env.seed(t, false)

	if rr := env.do(t, http.MethodPatch, "/api/v1/segments/"+ids["R1"], `{"order":"last"}`, map[string]string{ActorHeader: "ops"}); rr.Code != http.StatusOK {
		t.Fatalf("move failed: %d %s", rr.Code, rr.Body.String())
	}

	rr := env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/audit?action=schedule.move", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["total"] != float64(1) {
		t.Fatalf("expected one audit entry, got %v", body["total"])
	}
	logs := body["audit_logs"].([]any)
	entry := logs[0].(map[string]any)
	if entry["actor"] != "ops" {
		t.Fatalf("expected actor ops, got %v", entry)
	}
	if entry["from"] != float64(1) || entry["to"] != float64(4) {
		t.Fatalf("expected move 1 -> 4 in history, got from=%v to=%v", entry["from"], entry["to"])
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/audit?since=yesterday", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad since filter, got %d", rr.Code)
	}
}

func TestHistoryFilters(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, f audit.QueryFilters)
	}{
		{name: "defaults", query: "", check: func(t *testing.T, f audit.QueryFilters) {
			if f.Limit != defaultHistoryLimit || f.Offset != 0 || f.ResourceID != nil {
				t.Fatalf("unexpected defaults %+v", f)
			}
		}},
		{name: "segment alias", query: "segment=abc&limit=5&offset=10", check: func(t *testing.T, f audit.QueryFilters) {
			if f.ResourceID == nil || *f.ResourceID != "abc" || f.Limit != 5 || f.Offset != 10 {
				t.Fatalf("unexpected filters %+v", f)
			}
		}},
		{name: "time range", query: "since=2026-01-05T12:00:00Z&until=2026-01-05T13:00:00Z", check: func(t *testing.T, f audit.QueryFilters) {
			if f.StartTime == nil || f.EndTime == nil || !f.EndTime.After(*f.StartTime) {
				t.Fatalf("unexpected range %+v", f)
			}
		}},
		{name: "reversed range", query: "since=2026-01-05T13:00:00Z&until=2026-01-05T12:00:00Z", wantErr: true},
		{name: "limit too large", query: "limit=5000", wantErr: true},
		{name: "negative offset", query: "offset=-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			f, err := historyFilters(q)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.query)
				}
				return
			}
			if err != nil {
				t.Fatalf("historyFilters(%q): %v", tt.query, err)
			}
			tt.check(t, f)
		})
	}
}

func TestIntegrityEndpointsWithoutService(t *testing.T) {
	env := newAPIEnv(t)
	eventID, _ := env.seed(t, false)

	rr := env.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/integrity", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{body: `{"order":3}`, want: "order=3"},
		{body: `{"order":"last"}`, want: "order=last"},
		{body: `{"order":null}`, want: "order=null"},
		{body: `{"before":"abc"}`, want: "before=abc"},
		{body: `{"after":"abc"}`, want: "after=abc"},
		{body: `{"order":1.5}`, wantErr: true},
		{body: `{"order":"first"}`, wantErr: true},
		{body: `{"before":""}`, wantErr: true},
		{body: `{"before":"a","after":"b"}`, wantErr: true},
		{body: `{}`, wantErr: true},
		{body: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		dest, err := parseDestination([]byte(tt.body))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %s", tt.body, dest.String())
			} else if reorder.Classify(err) != reorder.ClassMalformed {
				t.Errorf("%s: expected malformed, got %v", tt.body, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.body, err)
			continue
		}
		if dest.String() != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.body, tt.want, dest.String())
		}
	}
}

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`90`, 90 * time.Second},
		{`"1h30m"`, 90 * time.Minute},
		{`"1:30:00"`, 90 * time.Minute},
		{`"45:00"`, 45 * time.Minute},
		{`""`, 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Errorf("%s: unexpected error: %v", tt.in, err)
			continue
		}
		if time.Duration(d) != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, time.Duration(d))
		}
	}

	for _, bad := range []string{`"1:xx"`, `"1:2:3:4"`, `true`} {
		var d Duration
		if err := json.Unmarshal([]byte(bad), &d); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}

	out, err := json.Marshal(Duration(3723 * time.Second))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"1:02:03"` {
		t.Fatalf("expected \"1:02:03\", got %s", out)
	}
}
