package cli

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ppiankov/proctorguard/internal/backend"
	"github.com/ppiankov/proctorguard/internal/bridge"
	"github.com/ppiankov/proctorguard/internal/lifecycle"
	"github.com/ppiankov/proctorguard/internal/scanner"
)

// Bridge methods called by the UI shell.
const (
	MethodRunPreLaunchScan = "runPreLaunchScan"
	MethodVerifyRoomCode   = "verifyRoomCode"
	MethodContinue         = "continue"
	MethodConnectSocket    = "connectSocket"
	MethodDisconnectSocket = "disconnectSocket"
	MethodGetStreamToken   = "getStreamToken"
	MethodSubmitQuiz       = "submitQuiz"
	MethodRunCode          = "runCode"
	MethodSendChatMessage  = "sendChatMessage"
	MethodSubmitCode       = "submitCode"
	MethodNotifyQuizScored = "notifyQuizScored"
	MethodGetState         = "getState"
)

var errNoSession = errors.New("no verified room; verify a room code first")

// services answers UI requests. Each field covers one group of methods.
type services struct {
	scanner *scanner.Scanner
	api     *backend.Client
	session *lifecycle.Controller
}

type roomParams struct {
	RoomCode string `json:"roomCode"`
}

type tokenParams struct {
	UserID   string `json:"userId"`
	RoomCode string `json:"roomCode"`
}

type chatParams struct {
	Text string `json:"text"`
}

type codeParams struct {
	Code string `json:"code"`
}

type scoreParams struct {
	Score int `json:"score"`
	Total int `json:"total"`
}

// register installs every method on b. It must run before b.Serve.
func (s *services) register(b *bridge.Bridge) {
	b.Handle(MethodRunPreLaunchScan, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return s.scanner.Scan(ctx), nil
	})

	b.Handle(MethodVerifyRoomCode, withParams(func(ctx context.Context, p roomParams) (any, error) {
		return s.session.VerifyRoom(ctx, p.RoomCode)
	}))

	connect := withParams(func(ctx context.Context, p roomParams) (any, error) {
		return nil, s.session.Continue(ctx, p.RoomCode)
	})
	b.Handle(MethodContinue, connect)
	b.Handle(MethodConnectSocket, connect)

	b.Handle(MethodDisconnectSocket, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, s.session.Disconnect(ctx)
	})

	b.Handle(MethodGetStreamToken, withParams(func(ctx context.Context, p tokenParams) (any, error) {
		if p.UserID == "" || p.RoomCode == "" {
			st, err := s.session.Status(ctx)
			if err != nil {
				return nil, err
			}
			if p.UserID == "" {
				p.UserID = st.UserID
			}
			if p.RoomCode == "" {
				p.RoomCode = st.RoomCode
			}
		}
		if p.UserID == "" || p.RoomCode == "" {
			return nil, errNoSession
		}
		return s.api.StreamToken(ctx, p.UserID, p.RoomCode)
	}))

	b.Handle(MethodSubmitQuiz, withParams(func(ctx context.Context, p backend.QuizSubmission) (any, error) {
		return s.api.SubmitQuiz(ctx, p)
	}))

	b.Handle(MethodRunCode, withParams(func(ctx context.Context, p backend.CodeRun) (any, error) {
		return s.api.RunCode(ctx, p)
	}))

	b.Handle(MethodSendChatMessage, withParams(func(ctx context.Context, p chatParams) (any, error) {
		return nil, s.session.SendChat(ctx, p.Text)
	}))

	b.Handle(MethodSubmitCode, withParams(func(ctx context.Context, p codeParams) (any, error) {
		return nil, s.session.SubmitCode(ctx, p.Code)
	}))

	b.Handle(MethodNotifyQuizScored, withParams(func(ctx context.Context, p scoreParams) (any, error) {
		return nil, s.session.NotifyQuizScored(ctx, p.Score, p.Total)
	}))

	b.Handle(MethodGetState, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return s.session.Status(ctx)
	})
}

// withParams decodes the request params into T before calling fn.
func withParams[T any](fn func(context.Context, T) (any, error)) bridge.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := bridge.Decode[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}
