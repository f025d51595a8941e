package oanda

// Wire types for the OANDA v20 REST API. Numeric fields arrive as decimal
// strings and are parsed by the caller.

// ClientExtensions carries user-supplied trade metadata.
type ClientExtensions struct {
	ID      string `json:"id,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Trade is an open or closed trade.
type Trade struct {
	ID                 string            `json:"id"`
	Instrument         string            `json:"instrument"`
	Price              string            `json:"price"`
	OpenTime           string            `json:"openTime"`
	State              string            `json:"state"`
	InitialUnits       string            `json:"initialUnits"`
	CurrentUnits       string            `json:"currentUnits"`
	RealizedPL         string            `json:"realizedPL"`
	UnrealizedPL       string            `json:"unrealizedPL"`
	Financing          string            `json:"financing"`
	DividendAdjustment string            `json:"dividendAdjustment"`
	CloseTime          string            `json:"closeTime,omitempty"`
	ClientExtensions   *ClientExtensions `json:"clientExtensions,omitempty"`
}

// PriceBucket is one level of a price ladder.
type PriceBucket struct {
	Price     string `json:"price"`
	Liquidity int64  `json:"liquidity"`
}

// Price is a quote for one instrument. The same shape is used by the
// streaming endpoint with Type set to "PRICE".
type Price struct {
	Type        string        `json:"type"`
	Instrument  string        `json:"instrument"`
	Time        string        `json:"time"`
	Tradeable   bool          `json:"tradeable"`
	Bids        []PriceBucket `json:"bids"`
	Asks        []PriceBucket `json:"asks"`
	CloseoutBid string        `json:"closeoutBid"`
	CloseoutAsk string        `json:"closeoutAsk"`
}

// Instrument describes tradeable instrument properties.
type Instrument struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	DisplayName      string `json:"displayName"`
	PipLocation      int    `json:"pipLocation"`
	DisplayPrecision int    `json:"displayPrecision"`
}

// ErrorResponse is the body OANDA returns on non-2xx responses.
type ErrorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type openTradesResponse struct {
	Trades            []Trade `json:"trades"`
	LastTransactionID string  `json:"lastTransactionID"`
}

type tradeResponse struct {
	Trade Trade `json:"trade"`
}

type pricingResponse struct {
	Prices []Price `json:"prices"`
}

type instrumentsResponse struct {
	Instruments []Instrument `json:"instruments"`
}

type closeTradeRequest struct {
	Units string `json:"units"`
}

type closeTradeResponse struct {
	OrderFillTransaction *struct {
		ID         string `json:"id"`
		Price      string `json:"price"`
		PL         string `json:"pl"`
		Financing  string `json:"financing"`
		Commission string `json:"commission"`
	} `json:"orderFillTransaction,omitempty"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}
