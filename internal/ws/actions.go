package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/playcrossy/backend/internal/config"
	"github.com/playcrossy/backend/internal/fairness"
	"github.com/playcrossy/backend/internal/round"
)

// Actions multiplexed over one game socket.
const (
	ActionBet          = "BET"
	ActionStep         = "STEP"
	ActionCashOut      = "CASHOUT"
	ActionGetSession   = "GET_GAME_SESSION"
	ActionGetConfig    = "GET_GAME_CONFIG"
	ActionGetSeeds     = "GET_GAME_SEEDS"
	ActionSetUserSeed  = "SET_USER_SEED"
	ActionRevealSeed   = "REVEAL_SERVER_SEED"
	ActionRotateSeed   = "ROTATE_SERVER_SEED"
)

const requestTimeout = 15 * time.Second

// Request is the client-to-server frame.
type Request struct {
	Action  string          `json:"action"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the server-to-client frame. ID echoes the request's correlation id.
type Response struct {
	Action  string      `json:"action"`
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SeedSource is the provably-fair surface the gateway exposes to clients.
type SeedSource interface {
	GetOrCreate(ctx context.Context, userID, agentCode string) (*fairness.Record, error)
	SetUserSeed(ctx context.Context, userID, agentCode, seed string) (*fairness.Record, error)
	RotateSeeds(ctx context.Context, userID, agentCode string) (*fairness.Record, error)
	RevealPrevious(ctx context.Context, userID, agentCode string) (serverSeed, hashedSeed string, err error)
}

// ConfigSource resolves per-game configuration.
type ConfigSource interface {
	Get(gameCode string) *config.GameConfig
}

// Gateway multiplexes game actions over authenticated WebSocket connections.
type Gateway struct {
	engine   *round.Engine
	seeds    SeedSource
	configs  ConfigSource
	auth     *Auth
	gameCode string
}

func NewGateway(engine *round.Engine, seeds SeedSource, configs ConfigSource, auth *Auth, gameCode string) *Gateway {
	return &Gateway{
		engine:   engine,
		seeds:    seeds,
		configs:  configs,
		auth:     auth,
		gameCode: gameCode,
	}
}

func (g *Gateway) dispatch(c *Client, message []byte) {
	var req Request
	if err := json.Unmarshal(message, &req); err != nil {
		c.enqueue(marshalResponse(Response{Action: "UNKNOWN", Error: &ErrorBody{Code: "BAD_REQUEST", Message: "unreadable frame"}}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := g.handle(ctx, c, &req)
	resp := Response{Action: req.Action, ID: req.ID}
	if err != nil {
		resp.Error = errorBody(err)
		log.Printf("[WS] %s failed for user %s: %v", req.Action, c.userID, err)
	} else {
		resp.Success = true
		resp.Data = data
	}
	c.enqueue(marshalResponse(resp))
}

func (g *Gateway) handle(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	switch req.Action {
	case ActionBet:
		var p struct {
			Amount     string `json:"amount"`
			Difficulty string `json:"difficulty"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, &round.ValidationError{Field: "payload", Message: "unreadable"}
		}
		return g.engine.PlaceBet(ctx, round.PlaceBetRequest{
			UserID:     c.userID,
			AgentCode:  c.agentCode,
			GameCode:   g.gameCode,
			Currency:   c.currency,
			Difficulty: p.Difficulty,
			Amount:     p.Amount,
		})

	case ActionStep:
		var p struct {
			Step int `json:"step"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, &round.ValidationError{Field: "payload", Message: "unreadable"}
		}
		return g.engine.Step(ctx, c.agentCode, c.userID, g.gameCode, p.Step)

	case ActionCashOut:
		return g.engine.CashOut(ctx, c.agentCode, c.userID, g.gameCode)

	case ActionGetSession:
		view, err := g.engine.ActiveRound(ctx, c.agentCode, c.userID, g.gameCode)
		if err != nil {
			return nil, err
		}
		if view == nil {
			return map[string]interface{}{"active": false}, nil
		}
		return map[string]interface{}{"active": true, "round": view}, nil

	case ActionGetConfig:
		return g.configs.Get(g.gameCode), nil

	case ActionGetSeeds:
		rec, err := g.seeds.GetOrCreate(ctx, c.userID, c.agentCode)
		if err != nil {
			return nil, err
		}
		return publicSeeds(rec), nil

	case ActionSetUserSeed:
		var p struct {
			Seed string `json:"seed"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, &round.ValidationError{Field: "payload", Message: "unreadable"}
		}
		rec, err := g.seeds.SetUserSeed(ctx, c.userID, c.agentCode, p.Seed)
		if err != nil {
			return nil, &round.ValidationError{Field: "seed", Message: err.Error()}
		}
		return publicSeeds(rec), nil

	case ActionRotateSeed:
		rec, err := g.seeds.RotateSeeds(ctx, c.userID, c.agentCode)
		if err != nil {
			return nil, err
		}
		out := publicSeeds(rec)
		out["revealed_server_seed"] = rec.PrevServerSeed
		out["revealed_hashed_seed"] = rec.PrevHashedServerSeed
		return out, nil

	case ActionRevealSeed:
		serverSeed, hashedSeed, err := g.seeds.RevealPrevious(ctx, c.userID, c.agentCode)
		if err != nil {
			return nil, &round.ValidationError{Field: "seed", Message: err.Error()}
		}
		return map[string]interface{}{
			"server_seed":        serverSeed,
			"hashed_server_seed": hashedSeed,
		}, nil

	default:
		return nil, &round.ValidationError{Field: "action", Message: "unknown action"}
	}
}

// publicSeeds never includes the live server seed.
func publicSeeds(rec *fairness.Record) map[string]interface{} {
	return map[string]interface{}{
		"user_seed":          rec.UserSeed,
		"hashed_server_seed": rec.HashedServerSeed,
		"nonce":              rec.Nonce,
	}
}

func errorBody(err error) *ErrorBody {
	var ve *round.ValidationError
	var ce *round.ConflictError
	var se *round.SequenceError
	switch {
	case errors.As(err, &ve):
		return &ErrorBody{Code: "VALIDATION", Message: ve.Error()}
	case errors.As(err, &ce):
		return &ErrorBody{Code: "CONFLICT", Message: ce.Error()}
	case errors.As(err, &se):
		return &ErrorBody{Code: "SEQUENCE", Message: se.Error()}
	case errors.Is(err, round.ErrLockContention):
		return &ErrorBody{Code: "BUSY", Message: "try again in a moment"}
	default:
		// Internal details stay server-side
		return &ErrorBody{Code: "INTERNAL", Message: "something went wrong"}
	}
}

func marshalResponse(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[WS] Failed to marshal response: %v", err)
		return []byte(`{"success":false,"error":{"code":"INTERNAL","message":"encoding failure"}}`)
	}
	return data
}
