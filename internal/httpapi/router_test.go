package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodfast/realtime/internal/announce"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/cache"
	"github.com/foodfast/realtime/internal/conversation"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/jobs"
	"github.com/foodfast/realtime/internal/notify"
	"github.com/foodfast/realtime/internal/order"
	"github.com/foodfast/realtime/internal/stream"
)

var (
	customer   = auth.Identity{UserID: "C1", Name: "Ada", Role: auth.RoleCustomer}
	stranger   = auth.Identity{UserID: "C2", Role: auth.RoleCustomer}
	agent      = auth.Identity{UserID: "A1", Name: "Grace", Role: auth.RoleSupportAgent}
	admin      = auth.Identity{UserID: "ADM", Role: auth.RoleAdmin}
	restaurant = auth.Identity{UserID: "R1", Role: auth.RoleRestaurant, RestaurantID: "7"}
	rival      = auth.Identity{UserID: "R2", Role: auth.RoleRestaurant, RestaurantID: "8"}
	driver     = auth.Identity{UserID: "D1", Name: "Dan", Role: auth.RoleDriver}
)

type testAPI struct {
	url    string
	tokens *auth.TokenService
	reg    *fanout.Registry
	queue  *jobs.MemoryQueue
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zerolog.Nop()
	reg := fanout.New(fanout.DefaultConfig(),
		fanout.WithCache(cache.NewMemoryStore()),
		fanout.WithCacheable(fanout.EventAnnouncement))
	t.Cleanup(reg.Close)

	orders := order.NewMemoryStore()
	orders.PutCustomer(order.Customer{ID: "C1", FirstName: "Ada", LastName: "Lovelace"})
	orders.PutMenuItem(order.MenuItem{ID: "m1", RestaurantID: "7", Name: "Pad Thai", Price: 11.5})

	cfg := stream.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.AnnouncementKeepAlive = 50 * time.Millisecond

	tokens := auth.NewTokenService(auth.Config{Secret: "test-secret", Issuer: "foodfast", TokenTTL: time.Hour})
	queue := jobs.NewMemoryQueue(8)

	h := NewRouter(Deps{
		Tokens:        tokens,
		Chats:         conversation.NewService(conversation.NewMemoryStore(), reg, logger),
		Orders:        order.NewService(orders, order.NewMemoryLocationStore(), notify.NewAssembler(orders, reg, logger), reg, cfg, logger),
		Announcements: announce.NewService(announce.NewMemoryStore(), reg, logger),
		Streams:       stream.NewStreams(reg, cfg, logger),
		Queue:         queue,
		Progress:      jobs.NewMemoryProgressStore(),
		Menu:          orders,
		UploadDir:     t.TempDir(),
		Connections:   func() int { return 3 },
		Logger:        logger,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testAPI{url: srv.URL, tokens: tokens, reg: reg, queue: queue}
}

func (a *testAPI) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := a.tokens.Issue(id)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, who *auth.Identity, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.url+path, rd)
	require.NoError(t, err)
	if who != nil {
		req.Header.Set("Authorization", "Bearer "+a.token(t, *who))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errCode(t *testing.T, data []byte) string {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(data, &e))
	return e.Code
}

func TestHealthAndAuthentication(t *testing.T) {
	api := newTestAPI(t)

	resp, data := api.do(t, nil, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"connections":3`)

	resp, data = api.do(t, nil, http.MethodGet, "/api/chat/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", errCode(t, data))

	req, _ := http.NewRequest(http.MethodGet, api.url+"/api/chat/conversations", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r2.StatusCode)

	r3, err := http.Get(api.url + "/api/chat/conversations?access_token=" + api.token(t, customer))
	require.NoError(t, err)
	r3.Body.Close()
	assert.Equal(t, http.StatusOK, r3.StatusCode)
}

func TestHealthReportsFailingChecks(t *testing.T) {
	h := NewRouter(Deps{
		Logger: zerolog.Nop(),
		Checks: map[string]func(context.Context) error{
			"redis": func(context.Context) error { return nil },
			"nats":  func(context.Context) error { return errors.New("not connected") },
		},
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"redis": "up", "nats": "down"}, body.Checks)
}

func TestChatEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp, data := api.do(t, &customer, http.MethodPost, "/api/chat/conversations",
		map[string]string{"initialMessage": "My food is cold", "subject": "Order 12"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var view conversation.View
	require.NoError(t, json.Unmarshal(data, &view))
	id := view.ID

	resp, data = api.do(t, &customer, http.MethodPost, "/api/chat/conversations", map[string]string{"subject": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errCode(t, data))

	resp, data = api.do(t, &agent, http.MethodGet, "/api/chat/unassigned", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), id)

	resp, _ = api.do(t, &customer, http.MethodGet, "/api/chat/unassigned", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data = api.do(t, &agent, http.MethodPost, "/api/chat/conversations/"+id+"/assign", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, _ = api.do(t, &agent, http.MethodPost, "/api/chat/conversations/"+id+"/messages",
		map[string]string{"content": "Sorry about that, refunding now"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data = api.do(t, &customer, http.MethodGet, "/api/chat/conversations/"+id+"/messages?page=1&pageSize=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []conversation.Message
	require.NoError(t, json.Unmarshal(data, &msgs))
	assert.Len(t, msgs, 1)

	resp, data = api.do(t, &customer, http.MethodPost, "/api/chat/conversations/"+id+"/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"markedRead":1}`, string(data))

	resp, data = api.do(t, &stranger, http.MethodGet, "/api/chat/conversations/"+id, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", errCode(t, data))

	resp, _ = api.do(t, &customer, http.MethodPost, "/api/chat/conversations/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = api.do(t, &customer, http.MethodPost, "/api/chat/conversations/"+id+"/messages",
		map[string]string{"content": "hello?"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", errCode(t, data))

	resp, _ = api.do(t, &customer, http.MethodGet, "/api/chat/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func placeOrder(t *testing.T, api *testAPI) order.Order {
	t.Helper()
	resp, data := api.do(t, &customer, http.MethodPost, "/api/orders/", map[string]any{
		"restaurantId":    "7",
		"deliveryAddress": "1 Analytical Way",
		"items":           []map[string]any{{"menuItemId": "m1", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var o order.Order
	require.NoError(t, json.Unmarshal(data, &o))
	return o
}

func TestOrderEndpoints(t *testing.T) {
	api := newTestAPI(t)
	o := placeOrder(t, api)
	assert.Equal(t, 23.0, o.TotalAmount)
	assert.Equal(t, order.StatusConfirmed, o.Status)

	resp, data := api.do(t, &customer, http.MethodPost, "/api/orders/", map[string]any{
		"restaurantId": "7", "deliveryAddress": "x", "items": []map[string]any{{"menuItemId": "m1", "quantity": 0}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "Quantity")

	resp, _ = api.do(t, &rival, http.MethodPost, "/api/orders/"+o.ID+"/acknowledge", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = api.do(t, &restaurant, http.MethodPost, "/api/orders/"+o.ID+"/acknowledge", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = api.do(t, &restaurant, http.MethodPost, "/api/orders/"+o.ID+"/preparation-time",
		map[string]int{"estimatedMinutes": 25})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"estimatedPreparationTime":25`)

	resp, _ = api.do(t, &restaurant, http.MethodPost, "/api/orders/"+o.ID+"/status", map[string]string{"status": "Teleported"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tok := api.token(t, restaurant)
	go func() {
		time.Sleep(50 * time.Millisecond)
		req, _ := http.NewRequest(http.MethodPost, api.url+"/api/orders/"+o.ID+"/status", strings.NewReader(`{"status":"Preparing"}`))
		req.Header.Set("Authorization", "Bearer "+tok)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()
	resp, data = api.do(t, &customer, http.MethodGet, "/api/orders/"+o.ID+"/track?lastStatus=Confirmed&timeout=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view order.StatusView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, order.StatusPreparing, view.Status)

	resp, _ = api.do(t, &restaurant, http.MethodPost, "/api/orders/"+o.ID+"/status", map[string]string{"status": "Confirmed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, &stranger, http.MethodGet, "/api/orders/"+o.ID+"/track", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, &customer, http.MethodGet, "/api/orders/"+o.ID+"/track?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// openStream starts an SSE request and returns a line reader over it.
func (a *testAPI) openStream(t *testing.T, who auth.Identity, path string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url+path+"?access_token="+a.token(t, who), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

// nextEvent reads lines until an "event:" line and returns its type.
func nextEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- ""
				return
			}
			if strings.HasPrefix(line, "event: ") {
				done <- strings.TrimSpace(strings.TrimPrefix(line, "event: "))
				return
			}
		}
	}()
	select {
	case ev := <-done:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event on stream")
		return ""
	}
}

func TestAnnouncementStreamReplaysLatest(t *testing.T) {
	api := newTestAPI(t)

	resp, data := api.do(t, &admin, http.MethodPost, "/api/announcements", map[string]any{
		"title": "Maintenance", "message": "Down at 2am", "type": "maintenance", "priority": 1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, _ = api.do(t, &customer, http.MethodPost, "/api/announcements", map[string]any{
		"title": "x", "message": "y", "type": "maintenance",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, &admin, http.MethodPost, "/api/announcements", map[string]any{
		"title": "x", "message": "y", "type": "weather",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r := api.openStream(t, customer, "/api/announcements/maintenance/stream")
	assert.Equal(t, string(fanout.EventAnnouncement), nextEvent(t, r))

	resp, _ = api.do(t, &customer, http.MethodGet, "/api/announcements/weather/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllAnnouncementsStream(t *testing.T) {
	api := newTestAPI(t)

	for _, category := range []string{"maintenance", "promotion"} {
		resp, data := api.do(t, &admin, http.MethodPost, "/api/announcements", map[string]any{
			"title": "About " + category, "message": "m", "type": category,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	}

	r := api.openStream(t, customer, "/api/announcements/stream")
	assert.Equal(t, string(fanout.EventAnnouncement), nextEvent(t, r))
	assert.Equal(t, string(fanout.EventAnnouncement), nextEvent(t, r))

	resp, data := api.do(t, &admin, http.MethodPost, "/api/announcements", map[string]any{
		"title": "Group orders", "message": "m", "type": "feature",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	assert.Equal(t, string(fanout.EventAnnouncement), nextEvent(t, r))
}

func TestDriverLocationStream(t *testing.T) {
	api := newTestAPI(t)
	o := placeOrder(t, api)

	r := api.openStream(t, customer, "/api/drivers/location/"+o.ID+"/stream")
	require.Eventually(t, func() bool {
		return api.reg.Count(fanout.DriverLocationTopic(o.ID)) > 0
	}, time.Second, 5*time.Millisecond)

	resp, data := api.do(t, &driver, http.MethodPost, "/api/drivers/location",
		map[string]any{"orderId": o.ID, "latitude": 51.5, "longitude": -0.12})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, string(fanout.EventDriverLocation), nextEvent(t, r))

	resp, _ = api.do(t, &driver, http.MethodPost, "/api/drivers/location",
		map[string]any{"orderId": o.ID, "latitude": 91.0, "longitude": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, &stranger, http.MethodGet, "/api/drivers/location/"+o.ID+"/stream", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func (a *testAPI) upload(t *testing.T, who auth.Identity, itemID, filename string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, _ = fw.Write([]byte("\x89PNG fake image"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, a.url+"/api/menu-items/"+itemID+"/image", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.token(t, who))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestMenuImageUpload(t *testing.T) {
	api := newTestAPI(t)

	resp, data := api.upload(t, restaurant, "m1", "dish.png")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var st jobs.JobStatus
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, jobs.StateQueued, st.State)
	assert.Equal(t, 1, api.queue.Len(jobs.KindImage))

	resp, data = api.do(t, &restaurant, http.MethodGet, "/api/jobs/"+st.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"status":"queued"`)

	resp, _ = api.upload(t, rival, "m1", "dish.png")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.upload(t, restaurant, "m1", "dish.exe")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.upload(t, restaurant, "nope", "dish.png")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.upload(t, customer, "m1", "dish.png")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, &restaurant, http.MethodGet, "/api/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, api.queue.Len(jobs.KindImage))
}
