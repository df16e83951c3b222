package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cartwheel/order-system/ordering-service/application"
	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/ordering-service/infrastructure"
	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullPublisher struct {
	mux       sync.Mutex
	published []*events.Event
}

func (p *nullPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.published = append(p.published, evts...)
	return nil
}

type recordedJournal struct {
	mux     sync.Mutex
	entries []*events.Event
}

func (j *recordedJournal) Append(ctx context.Context, disposition string, evts ...*events.Event) error {
	j.mux.Lock()
	defer j.mux.Unlock()
	for _, e := range evts {
		j.entries = append(j.entries, e.Clone().WithMetadata("disposition", disposition))
	}
	return nil
}

func (j *recordedJournal) ByCorrelationID(ctx context.Context, correlationID models.ID) ([]*events.Event, error) {
	j.mux.Lock()
	defer j.mux.Unlock()

	var out []*events.Event
	for _, e := range j.entries {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type handlerFixture struct {
	store      *infrastructure.MemorySagaStore
	dispatcher *application.Dispatcher
	journal    *recordedJournal
	router     *chi.Mux
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	f := &handlerFixture{
		store:   infrastructure.NewMemorySagaStore(),
		journal: &recordedJournal{},
	}

	f.dispatcher = application.NewDispatcher(
		f.store,
		infrastructure.NewMemoryReminderStore(),
		&nullPublisher{},
		domain.NewCoordinator(domain.DefaultCoordinatorConfig()),
		application.WithJournal(f.journal),
	)

	orderHandlers := NewOrderHandlers(
		application.NewStartOrderSaga(f.dispatcher, f.store),
		application.NewGetOrderSaga(f.store),
		f.journal,
	)

	f.router = chi.NewRouter()
	orderHandlers.RegisterRoutes(f.router)
	return f
}

func startPayload(orderID models.ID) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"order_id": orderID,
		"buyer_id": "550e8400-e29b-41d4-a716-446655440020",
		"shipping_address": map[string]string{
			"street":  "123 Main St",
			"city":    "Springfield",
			"country": "US",
		},
		"items": []map[string]interface{}{
			{
				"product_id":   "550e8400-e29b-41d4-a716-446655440001",
				"product_name": "Keyboard",
				"unit_price":   map[string]interface{}{"amount": 4500, "currency": "USD"},
				"quantity":     2,
			},
		},
	})
	return body
}

func TestStartOrderEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	orderID := models.GenerateUUID()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(startPayload(orderID))))

	require.Equal(t, http.StatusAccepted, rec.Code)

	var response application.StartOrderSagaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, orderID, response.OrderID)
	assert.Equal(t, domain.StateAwaitingStockValidation, response.State)
	assert.True(t, response.Started)

	// Resubmission reports the existing saga without starting a new one
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(startPayload(orderID))))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.False(t, response.Started)
}

func TestStartOrderEndpointRejectsInvalidBody(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader([]byte("{not json"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader([]byte(`{"order_id":""}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	orderID := models.GenerateUUID()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+orderID.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(startPayload(orderID))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+orderID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var response application.GetOrderSagaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, domain.StateAwaitingStockValidation, response.State)
	assert.Equal(t, 1, response.Version)
}

func TestGetOrderEventsEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	orderID := models.GenerateUUID()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(startPayload(orderID))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+orderID.String()+"/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var trail []*events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail, 1)
	assert.Equal(t, events.ValidateOrderStockCommand, trail[0].EventType)
}
