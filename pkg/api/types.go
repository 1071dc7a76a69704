package api

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// ExecuteOrderRequest is the payload for POST /orders/execute
type ExecuteOrderRequest struct {
	Type        string  `json:"type"` // "MARKET" (default), "LIMIT", "SNIPER"
	Side        string  `json:"side"` // "BUY" or "SELL"
	InputToken  string  `json:"inputToken"`
	OutputToken string  `json:"outputToken"`
	Amount      float64 `json:"amount"` // input token units, > 0
}

// ExecuteOrderResponse is returned once the order is queued
type ExecuteOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status         string   `json:"status"`
	Venues         []string `json:"venues,omitempty"`
	ObservedOrders int      `json:"observedOrders"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Types
// ==============================

// WSRequest is sent by the client to switch the order it follows.
//
//	{"op":"subscribe","orderId":"..."}
//	{"op":"unsubscribe"}
type WSRequest struct {
	Op      string `json:"op"`
	OrderID string `json:"orderId,omitempty"`
}

// Updates themselves are relayed verbatim as order.Event JSON.
