package nightscout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
)

func TestHashSecret(t *testing.T) {
	result := hashSecret("test")
	expected := "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

	if result != expected {
		t.Errorf("hashSecret(\"test\") = %s, want %s", result, expected)
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient("https://test.example.com", "secret", "token", true)

	if client.baseURL != "https://test.example.com" {
		t.Errorf("baseURL = %s, want https://test.example.com", client.baseURL)
	}
	if client.apiSecret != "secret" {
		t.Errorf("apiSecret = %s, want secret", client.apiSecret)
	}
	if client.apiToken != "token" {
		t.Errorf("apiToken = %s, want token", client.apiToken)
	}
	if !client.useToken {
		t.Error("useToken should be true")
	}
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	client := NewClient("https://test.example.com/", "", "", false)

	if client.baseURL != "https://test.example.com" {
		t.Errorf("baseURL = %s, should not have trailing slash", client.baseURL)
	}
}

func TestClient_GetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}

		status := models.ServerStatus{
			Status:     "ok",
			Name:       "test-nightscout",
			Version:    "14.0.0",
			APIEnabled: true,
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	status, err := client.GetStatus(context.Background())

	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("Status = %s, want ok", status.Status)
	}
	if status.Name != "test-nightscout" {
		t.Errorf("Name = %s, want test-nightscout", status.Name)
	}
}

func TestClient_TestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := models.ServerStatus{Status: "ok"}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	err := client.TestConnection(context.Background())

	if err != nil {
		t.Errorf("TestConnection() error = %v, want nil", err)
	}
}

func TestClient_AuthHeaders_Token(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "Bearer testtoken123" {
			t.Errorf("Authorization header = %s, want Bearer testtoken123", authHeader)
		}

		status := models.ServerStatus{Status: "ok"}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "testtoken123", true)
	_, _ = client.GetStatus(context.Background())
}

func TestClient_AuthHeaders_Secret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secretHeader := r.Header.Get("API-SECRET")
		expectedHash := hashSecret("mysecret")
		if secretHeader != expectedHash {
			t.Errorf("API-SECRET header = %s, want %s", secretHeader, expectedHash)
		}

		status := models.ServerStatus{Status: "ok"}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	client := NewClient(server.URL, "mysecret", "", false)
	_, _ = client.GetStatus(context.Background())
}

func TestClient_ErrorHandling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Unauthorized"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	_, err := client.GetStatus(context.Background())

	if err == nil {
		t.Error("Expected error for 401 response")
	}
}

func TestClient_GetEntries(t *testing.T) {
	now := time.Now()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entries/sgv.json" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("find[date][$gte]") == "" {
			t.Error("missing lower date bound")
		}

		entries := []models.GlucoseEntry{
			{SGV: 120, Date: now.UnixMilli()},
			{SGV: 115, Date: now.Add(-5 * time.Minute).UnixMilli()},
			{SGV: 118, Date: now.Add(-10 * time.Minute).UnixMilli()},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	entries, err := client.GetEntries(context.Background(), now.Add(-1*time.Hour), now)

	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Got %d entries, want 3", len(entries))
	}
}

func TestClient_GetEntries_Paging(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var entries []models.GlucoseEntry
		switch r.URL.Query().Get("find[date][$lte]") {
		case "":
			t.Error("missing upper date bound")
		case "1714525200000": // 01:00, first page
			entries = []models.GlucoseEntry{
				{SGV: 100, Date: base.Add(time.Hour).UnixMilli()},
				{SGV: 101, Date: base.Add(55 * time.Minute).UnixMilli()},
			}
		default:
			entries = []models.GlucoseEntry{{SGV: 102, Date: base.Add(50 * time.Minute).UnixMilli()}}
		}
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	client.pageSize = 2

	entries, err := client.GetEntries(context.Background(), base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(entries) != 3 || entries[2].SGV != 102 {
		t.Errorf("entries = %v, want both pages", entries)
	}
}

func TestClient_GetTreatments_SharedBoundarySecond(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	stored := []models.Treatment{
		{ID: "a", EventType: "Meal Bolus", CreatedAt: base.Add(2 * time.Hour).Format(time.RFC3339), Carbs: 40},
		{ID: "b", EventType: "Meal Bolus", CreatedAt: base.Add(time.Hour).Format(time.RFC3339), Carbs: 30},
		{ID: "c", EventType: "Correction Bolus", CreatedAt: base.Add(time.Hour).Format(time.RFC3339), Insulin: 1},
		{ID: "d", EventType: "Carb Correction", CreatedAt: base.Format(time.RFC3339), Carbs: 15},
	}
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		upper, err := time.Parse(time.RFC3339, r.URL.Query().Get("find[created_at][$lte]"))
		if err != nil {
			t.Errorf("bad upper bound: %v", err)
		}
		var page []models.Treatment
		for _, tr := range stored {
			if !tr.Time().After(upper) && len(page) < 2 {
				page = append(page, tr)
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	client.pageSize = 2

	treatments, err := client.GetTreatments(context.Background(), base.Add(-time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("GetTreatments() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var ids []string
	for _, tr := range treatments {
		ids = append(ids, tr.ID)
	}
	if len(ids) != 4 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" || ids[3] != "d" {
		t.Errorf("ids = %v, want [a b c d] each once", ids)
	}
}

func TestClient_Events(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/entries/sgv.json", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.GlucoseEntry{
			{SGV: 110, Date: base.Add(5 * time.Minute).UnixMilli(), Type: "sgv"},
			{SGV: 100, Date: base.UnixMilli(), Type: "sgv"},
			{SGV: 250, Date: base.UnixMilli(), Type: "mbg"},
		})
	})
	mux.HandleFunc("/api/v1/treatments.json", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.Treatment{
			{EventType: "Meal Bolus", CreatedAt: base.Format(time.RFC3339), Carbs: 45, Insulin: 4.5},
			{EventType: "Correction Bolus", CreatedAt: base.Add(2 * time.Minute).Format(time.RFC3339), Insulin: 0.5},
			{EventType: "Carb Correction", CreatedAt: base.Add(6 * time.Hour).Format(time.RFC3339), Carbs: 15},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	set, err := client.Events(context.Background(), base.Add(-time.Hour), base.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	if len(set.Glucose) != 2 || set.Glucose[0].Value != 100 {
		t.Errorf("glucose = %v, want two sorted sgv readings", set.Glucose)
	}
	if len(set.Doses) != 1 || set.Doses[0].Units != 4.5 {
		t.Errorf("doses = %v, want the priming dose dropped", set.Doses)
	}
	if len(set.Meals) != 2 {
		t.Fatalf("meals = %v, want 2", set.Meals)
	}
	if set.Meals[0].Class() != models.MealFull {
		t.Errorf("meal class = %s, want meal", set.Meals[0].Class())
	}
	if set.Meals[1].Class() != models.MealHypo {
		t.Errorf("carb correction class = %s, want hypo", set.Meals[1].Class())
	}
	if err := set.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestClient_Events_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	_, err := client.Events(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(models.ServerStatus{Status: "ok"})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "", "", false)
	if err := client.TestConnection(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("TestConnection() = %v, want context.Canceled", err)
	}
}

func TestNewClientFromSettings(t *testing.T) {
	s := models.DefaultSettings()
	s.NightscoutURL = "https://ns.example.com/"
	s.APIToken = "tok"
	s.UseToken = true

	client := NewClientFromSettings(s)
	if client.baseURL != "https://ns.example.com" || client.apiToken != "tok" || !client.useToken {
		t.Errorf("client = %+v, want settings applied", client)
	}
}
