package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/alluse/engine/internal/domain"
)

// MockBrokerClient is a thread-safe, scriptable implementation of
// domain.BrokerClient. Placements are accepted by default; tests script
// rejections, acknowledgement timeouts, and pushed order events.
type MockBrokerClient struct {
	mu         sync.Mutex
	events     chan domain.BrokerOrderEvent
	placed     []domain.Order
	cancelled  []string
	openOrders []domain.BrokerOpenOrder
	positions  []domain.BrokerPosition
	account    domain.BrokerAccountSnapshot
	connected  bool
	nextBroker int

	placeHook   func(domain.Order) (*domain.BrokerOrderResult, error)
	failNext    int
	failErr     error
	rejectNext  int
	cancelErr   error
	snapshotErr error
}

// NewMockBrokerClient creates a connected mock broker.
func NewMockBrokerClient() *MockBrokerClient {
	return &MockBrokerClient{
		events:    make(chan domain.BrokerOrderEvent, 64),
		connected: true,
	}
}

// PlaceOrder implements domain.BrokerClient.
func (m *MockBrokerClient) PlaceOrder(ctx context.Context, order domain.Order) (*domain.BrokerOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placed = append(m.placed, order)

	if m.placeHook != nil {
		return m.placeHook(order)
	}
	if m.failNext > 0 {
		m.failNext--
		if m.failErr != nil {
			return nil, m.failErr
		}
		return nil, fmt.Errorf("broker unavailable")
	}
	if m.rejectNext > 0 {
		m.rejectNext--
		return &domain.BrokerOrderResult{Accepted: false, Reason: "rejected by broker"}, nil
	}

	m.nextBroker++
	return &domain.BrokerOrderResult{
		BrokerID: fmt.Sprintf("brk-%d", m.nextBroker),
		Accepted: true,
	}, nil
}

// CancelOrder implements domain.BrokerClient.
func (m *MockBrokerClient) CancelOrder(_ context.Context, brokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, brokerID)
	return nil
}

// OrderEvents implements domain.BrokerClient.
func (m *MockBrokerClient) OrderEvents() <-chan domain.BrokerOrderEvent {
	return m.events
}

// OpenOrders implements domain.BrokerClient.
func (m *MockBrokerClient) OpenOrders(_ context.Context) ([]domain.BrokerOpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BrokerOpenOrder, len(m.openOrders))
	copy(out, m.openOrders)
	return out, nil
}

// PositionsSnapshot implements domain.BrokerClient.
func (m *MockBrokerClient) PositionsSnapshot(_ context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	out := make([]domain.BrokerPosition, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

// AccountSnapshot implements domain.BrokerClient.
func (m *MockBrokerClient) AccountSnapshot(_ context.Context) (*domain.BrokerAccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	snap := m.account
	return &snap, nil
}

// IsConnected implements domain.BrokerClient.
func (m *MockBrokerClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected sets the connection status.
func (m *MockBrokerClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// SetOpenOrders sets the orders returned by OpenOrders.
func (m *MockBrokerClient) SetOpenOrders(orders []domain.BrokerOpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = orders
}

// SetPositions sets the positions returned by PositionsSnapshot.
func (m *MockBrokerClient) SetPositions(positions []domain.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetAccountSnapshot sets the balances returned by AccountSnapshot.
func (m *MockBrokerClient) SetAccountSnapshot(snap domain.BrokerAccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = snap
}

// SetSnapshotError makes AccountSnapshot and PositionsSnapshot fail until
// cleared with nil.
func (m *MockBrokerClient) SetSnapshotError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotErr = err
}

// FailNextPlacements makes the next n placements return err (or a generic
// failure when err is nil).
func (m *MockBrokerClient) FailNextPlacements(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// RejectNextPlacements makes the next n placements come back unaccepted.
func (m *MockBrokerClient) RejectNextPlacements(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = n
}

// SetPlaceHook overrides placement behaviour entirely.
func (m *MockBrokerClient) SetPlaceHook(hook func(domain.Order) (*domain.BrokerOrderResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeHook = hook
}

// SetCancelError makes CancelOrder return err.
func (m *MockBrokerClient) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// EmitEvent pushes an order event onto the event stream.
func (m *MockBrokerClient) EmitEvent(ev domain.BrokerOrderEvent) {
	m.events <- ev
}

// Placed returns every order submitted so far, in order.
func (m *MockBrokerClient) Placed() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, len(m.placed))
	copy(out, m.placed)
	return out
}

// Cancelled returns every broker id cancelled so far, in order.
func (m *MockBrokerClient) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// Verify interface implementation
var _ domain.BrokerClient = (*MockBrokerClient)(nil)

// MockMarketData is a scriptable implementation of domain.MarketDataClient.
type MockMarketData struct {
	mu      sync.Mutex
	quotes  map[string]*domain.Quote
	chains  map[string][]domain.OptionContract
	history map[string][]domain.OHLC
	vix     float64
	err     error
}

// NewMockMarketData creates an empty mock market data client.
func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		quotes:  make(map[string]*domain.Quote),
		chains:  make(map[string][]domain.OptionContract),
		history: make(map[string][]domain.OHLC),
	}
}

// SetQuote sets the quote returned for a symbol.
func (m *MockMarketData) SetQuote(symbol string, q *domain.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = q
}

// SetChain sets the option chain returned for a symbol.
func (m *MockMarketData) SetChain(symbol string, chain []domain.OptionContract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[symbol] = chain
}

// SetHistory sets the historical bars returned for a symbol.
func (m *MockMarketData) SetHistory(symbol string, bars []domain.OHLC) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[symbol] = bars
}

// SetVIX sets the VIX print.
func (m *MockMarketData) SetVIX(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vix = v
}

// SetError makes every call return err.
func (m *MockMarketData) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Quote implements domain.MarketDataClient.
func (m *MockMarketData) Quote(_ context.Context, symbol string) (*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote configured for %s", symbol)
	}
	return q, nil
}

// Chain implements domain.MarketDataClient.
func (m *MockMarketData) Chain(_ context.Context, symbol string) ([]domain.OptionContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.chains[symbol], nil
}

// History implements domain.MarketDataClient.
func (m *MockMarketData) History(_ context.Context, symbol string, _ int) ([]domain.OHLC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.history[symbol], nil
}

// VIXLast implements domain.MarketDataClient.
func (m *MockMarketData) VIXLast(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.vix, nil
}

// Verify interface implementation
var _ domain.MarketDataClient = (*MockMarketData)(nil)

// MockCalendarClient is a scriptable implementation of domain.CalendarClient.
type MockCalendarClient struct {
	mu       sync.Mutex
	earnings map[string]bool // symbol -> has earnings this week
	holidays []string
	open     string
	close    string
	err      error
}

// NewMockCalendarClient creates a mock calendar with regular market hours.
func NewMockCalendarClient() *MockCalendarClient {
	return &MockCalendarClient{
		earnings: make(map[string]bool),
		open:     "09:30",
		close:    "16:00",
	}
}

// SetEarnings marks a symbol as reporting earnings this week.
func (m *MockCalendarClient) SetEarnings(symbol string, has bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earnings[symbol] = has
}

// SetHolidays sets the holiday dates ("2006-01-02").
func (m *MockCalendarClient) SetHolidays(dates []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays = dates
}

// SetError makes every call return err.
func (m *MockCalendarClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// EarningsThisWeek implements domain.CalendarClient.
func (m *MockCalendarClient) EarningsThisWeek(_ context.Context, symbol string, _, _ int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.earnings[symbol], nil
}

// Holidays implements domain.CalendarClient.
func (m *MockCalendarClient) Holidays(_ context.Context, _ int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.holidays, nil
}

// MarketHours implements domain.CalendarClient.
func (m *MockCalendarClient) MarketHours(_ context.Context, _ string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", "", m.err
	}
	return m.open, m.close, nil
}

// Verify interface implementation
var _ domain.CalendarClient = (*MockCalendarClient)(nil)

// MockAdvisoryClient is a scriptable implementation of domain.AdvisoryClient.
type MockAdvisoryClient struct {
	mu       sync.Mutex
	regime   *domain.Advisory
	anomaly  []domain.Advisory
	weekType *domain.Advisory
	err      error
}

// NewMockAdvisoryClient creates an empty advisory mock.
func NewMockAdvisoryClient() *MockAdvisoryClient {
	return &MockAdvisoryClient{}
}

// SetRegime sets the regime score advisory.
func (m *MockAdvisoryClient) SetRegime(a *domain.Advisory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regime = a
}

// SetAnomalies sets the anomaly flag advisories.
func (m *MockAdvisoryClient) SetAnomalies(a []domain.Advisory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomaly = a
}

// SetWeekTypePrior sets the week type prior advisory.
func (m *MockAdvisoryClient) SetWeekTypePrior(a *domain.Advisory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weekType = a
}

// SetError makes every call return err.
func (m *MockAdvisoryClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// RegimeScore implements domain.AdvisoryClient.
func (m *MockAdvisoryClient) RegimeScore(_ context.Context) (*domain.Advisory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.regime, nil
}

// AnomalyFlags implements domain.AdvisoryClient.
func (m *MockAdvisoryClient) AnomalyFlags(_ context.Context, _ []string) ([]domain.Advisory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.anomaly, nil
}

// WeekTypePrior implements domain.AdvisoryClient.
func (m *MockAdvisoryClient) WeekTypePrior(_ context.Context) (*domain.Advisory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.weekType, nil
}

// Verify interface implementation
var _ domain.AdvisoryClient = (*MockAdvisoryClient)(nil)
