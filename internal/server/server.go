// Package server exposes the control protocol over WebSocket. Requests are
// JSON messages carrying a type discriminant and a payload; every request
// type is handled exhaustively, with one explicit unknown-type branch that
// answers a structured error.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tradepilot/internal/bot"
	"tradepilot/internal/cfg"
	"tradepilot/internal/types"
)

const (
	maxMessageSize  = 512 * 1024
	writeWait       = 10 * time.Second
	requestTimeout  = 30 * time.Second
	defaultPongWait = 60 * time.Second
)

// Request is the tagged union of inbound protocol messages.
type Request struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Response is the outbound message shape.
type Response struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type Server struct {
	controller *bot.Controller
	upgrader   websocket.Upgrader

	// Keepalive cadence. Pings go out every pingPeriod; a peer that sends
	// neither data nor a pong within pongWait is considered dead and its
	// connection is dropped.
	pongWait   time.Duration
	pingPeriod time.Duration
}

func New(controller *bot.Controller) *Server {
	return &Server{
		controller: controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The transport in front of this endpoint owns origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pongWait:   defaultPongWait,
		pingPeriod: defaultPongWait * 9 / 10,
	}
}

// Handler returns the HTTP handler that upgrades to the protocol socket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		go s.serve(conn)
	})
}

// serve runs one connection's read loop. Each request is handled to
// completion before the next is read; a malformed message produces an error
// response, not a dropped connection.
func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	var writeMu sync.Mutex
	send := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
		}
	}

	done := make(chan struct{})
	defer close(done)
	go s.ping(conn, &writeMu, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket connection closed unexpectedly")
			}
			return
		}
		// Inbound data counts as liveness too.
		conn.SetReadDeadline(time.Now().Add(s.pongWait))

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			send(errorResponse(fmt.Sprintf("malformed request: %v", err)))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		send(s.dispatch(ctx, req))
		cancel()
	}
}

// ping keeps the connection's liveness probe running until the read loop
// exits. A failed ping write ends the loop; the read deadline then drops the
// dead peer.
func (s *Server) ping(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func errorResponse(msg string) Response {
	return Response{Type: "error", Data: errorPayload{Message: msg}}
}

// dispatch routes one request to its handler.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Type {
	case "start_bot":
		return s.handleStartBot(req)
	case "stop_bot":
		if err := s.controller.Stop(); err != nil {
			return errorResponse(err.Error())
		}
		return Response{Type: "bot_status_response", Data: s.controller.GetStatus()}
	case "get_bot_status":
		return Response{Type: "bot_status_response", Data: s.controller.GetStatus()}
	case "get_positions":
		return Response{Type: "positions_response", Data: s.controller.Positions()}
	case "get_trade_history":
		return s.handleTradeHistory(req)
	case "get_ai_analysis":
		return s.handleAnalysis(ctx, req)
	case "get_analysis_logs":
		return s.handleAnalysisLogs(req)
	case "execute_trade":
		return s.handleExecuteTrade(ctx, req)
	case "close_position":
		return s.handleClosePosition(ctx, req)
	case "set_trading_mode":
		return s.handleSetMode(req)
	case "get_trading_balance":
		return s.handleBalance(ctx, req)
	case "get_all_trading_balances":
		balances, err := s.controller.AllBalances(ctx)
		if err != nil {
			return errorResponse(err.Error())
		}
		return Response{Type: "all_trading_balances", Data: balances}
	case "get_categorized_balances":
		balances, err := s.controller.CategorizedBalances(ctx)
		if err != nil {
			return errorResponse(err.Error())
		}
		return Response{Type: "categorized_balances", Data: balances}
	case "get_portfolio_summary":
		summary, err := s.controller.Portfolio(ctx)
		if err != nil {
			return errorResponse(err.Error())
		}
		return Response{Type: "portfolio_summary", Data: summary}
	case "get_pending_approvals":
		return Response{Type: "pending_approvals", Data: s.controller.Pending()}
	case "approve_trade":
		return s.handleApprove(ctx, req)
	case "reject_trade":
		return s.handleReject(req)
	default:
		return errorResponse(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (s *Server) handleStartBot(req Request) Response {
	var botCfg cfg.BotConfig
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &botCfg); err != nil {
			return errorResponse(fmt.Sprintf("malformed config: %v", err))
		}
	}
	if err := s.controller.Start(botCfg); err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "bot_status_response", Data: s.controller.GetStatus()}
}

func (s *Server) handleTradeHistory(req Request) Response {
	var data struct {
		Limit int `json:"limit"`
	}
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return errorResponse(fmt.Sprintf("malformed request data: %v", err))
		}
	}
	if data.Limit <= 0 {
		data.Limit = 50
	}
	return Response{Type: "trade_history", Data: s.controller.TradeHistory(data.Limit)}
}

func (s *Server) handleAnalysis(ctx context.Context, req Request) Response {
	var data struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil || data.Symbol == "" {
		return errorResponse("get_ai_analysis requires a symbol")
	}
	res, err := s.controller.Analysis(ctx, data.Symbol)
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "ai_analysis", Data: res}
}

func (s *Server) handleAnalysisLogs(req Request) Response {
	var data struct {
		Limit int `json:"limit"`
	}
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return errorResponse(fmt.Sprintf("malformed request data: %v", err))
		}
	}
	if data.Limit <= 0 {
		data.Limit = 50
	}
	logs, err := s.controller.AnalysisLogs(data.Limit)
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "analysis_logs", Data: logs}
}

func (s *Server) handleExecuteTrade(ctx context.Context, req Request) Response {
	var data struct {
		TradeData struct {
			Symbol   string  `json:"symbol"`
			Action   string  `json:"action"`
			Quantity float64 `json:"quantity"`
		} `json:"trade_data"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return errorResponse(fmt.Sprintf("malformed trade data: %v", err))
	}
	trade, err := s.controller.ExecuteTrade(ctx, data.TradeData.Symbol, types.Action(data.TradeData.Action), data.TradeData.Quantity)
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "trade_executed", Data: trade}
}

func (s *Server) handleClosePosition(ctx context.Context, req Request) Response {
	var data struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil || data.Symbol == "" {
		return errorResponse("close_position requires a symbol")
	}
	trade, err := s.controller.ClosePosition(ctx, data.Symbol)
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "trade_executed", Data: trade}
}

func (s *Server) handleSetMode(req Request) Response {
	var data struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return errorResponse(fmt.Sprintf("malformed request data: %v", err))
	}
	if err := s.controller.SetMode(types.TradeMode(data.Mode)); err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "trading_mode_set", Data: map[string]string{"mode": data.Mode}}
}

func (s *Server) handleBalance(ctx context.Context, req Request) Response {
	var data struct {
		Asset      string `json:"asset"`
		WalletType string `json:"wallet_type"`
	}
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return errorResponse(fmt.Sprintf("malformed request data: %v", err))
		}
	}
	bal, err := s.controller.Balance(ctx, data.Asset, types.WalletType(data.WalletType))
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "trading_balance", Data: bal}
}

func (s *Server) handleApprove(ctx context.Context, req Request) Response {
	var data struct {
		DecisionID string `json:"decision_id"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil || data.DecisionID == "" {
		return errorResponse("approve_trade requires a decision_id")
	}
	trade, err := s.controller.Approve(ctx, data.DecisionID)
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "trade_approved", Data: trade}
}

func (s *Server) handleReject(req Request) Response {
	var data struct {
		DecisionID string `json:"decision_id"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil || data.DecisionID == "" {
		return errorResponse("reject_trade requires a decision_id")
	}
	if err := s.controller.Reject(data.DecisionID); err != nil {
		return errorResponse(err.Error())
	}
	return Response{Type: "trade_rejected", Data: map[string]string{"decision_id": data.DecisionID}}
}
