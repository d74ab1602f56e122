package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// API paths.
const (
	PathVerifyRoom  = "/api/interview/verify-room"
	PathStreamToken = "/api/stream/token"
	PathQuizSubmit  = "/api/quiz/submit"
	PathProcessLog  = "/api/log/process"
	PathCodeRun     = "/api/code/run"
)

// ErrEmptyRoomCode is returned before any request is made.
var ErrEmptyRoomCode = errors.New("backend: room code is required")

// RoomSessionConfig describes which features a room enables.
type RoomSessionConfig struct {
	HasWhiteboard        bool   `json:"hasWhiteboard"`
	HasCodingChallenge   bool   `json:"hasCodingChallenge"`
	HasQuiz              bool   `json:"hasQuiz"`
	QuizTopic            string `json:"quizTopic,omitempty"`
	QuizQuestionCount    int    `json:"quizQuestionCount,omitempty"`
	QuizQuestionDuration int    `json:"quizQuestionDuration,omitempty"`
}

// RoomVerification is the verify-room response.
type RoomVerification struct {
	IsValid       bool              `json:"isValid"`
	SessionConfig RoomSessionConfig `json:"sessionConfig"`
}

// VerifyRoom checks a room code against the room directory.
// Unknown or ended rooms come back as an *APIError (HTTP 404).
func (c *Client) VerifyRoom(ctx context.Context, roomCode string) (RoomVerification, error) {
	if roomCode == "" {
		return RoomVerification{}, ErrEmptyRoomCode
	}
	var out RoomVerification
	err := c.post(ctx, PathVerifyRoom, map[string]string{"roomCode": roomCode}, &out)
	return out, err
}

// StreamToken is a video-service credential.
type StreamToken struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// StreamToken requests a video token for userID in roomCode. The token's
// exp claim is surfaced when it parses as a JWT; the signature is not
// checked here, the video service does that.
func (c *Client) StreamToken(ctx context.Context, userID, roomCode string) (StreamToken, error) {
	var out StreamToken
	req := map[string]string{"userId": userID, "roomCode": roomCode}
	if err := c.post(ctx, PathStreamToken, req, &out); err != nil {
		return StreamToken{}, err
	}
	if out.Token == "" {
		return StreamToken{}, fmt.Errorf("%s: empty token in response", PathStreamToken)
	}
	out.ExpiresAt = tokenExpiry(out.Token, c.log)
	return out, nil
}

func tokenExpiry(token string, log *zap.Logger) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		log.Debug("stream token is not a JWT", zap.Error(err))
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}

// QuizQuestion is one generated question.
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correctAnswer"`
}

// QuizSubmission pairs answers with the questions they answer, by index.
type QuizSubmission struct {
	Answers   []string       `json:"answers"`
	Questions []QuizQuestion `json:"questions"`
}

// QuizResult is the server-computed score.
type QuizResult struct {
	Score          int     `json:"score"`
	TotalQuestions int     `json:"totalQuestions"`
	Percentage     float64 `json:"percentage"`
}

// SubmitQuiz sends answers for server-side scoring.
func (c *Client) SubmitQuiz(ctx context.Context, sub QuizSubmission) (QuizResult, error) {
	if sub.Answers == nil || sub.Questions == nil {
		return QuizResult{}, fmt.Errorf("%s: answers and questions are required", PathQuizSubmit)
	}
	var out QuizResult
	err := c.post(ctx, PathQuizSubmit, sub, &out)
	return out, err
}

// ProcessLog is the periodic process snapshot upload.
type ProcessLog struct {
	RoomCode    string `json:"roomCode"`
	ProcessList string `json:"processList"`
}

// LogProcesses uploads a process snapshot.
func (c *Client) LogProcesses(ctx context.Context, roomCode, processList string) error {
	return c.post(ctx, PathProcessLog, ProcessLog{RoomCode: roomCode, ProcessList: processList}, nil)
}

// CodeRun is a code execution request.
type CodeRun struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// CodeRunStatus is the execution verdict.
type CodeRunStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// CodeResult is the output of a code run.
type CodeResult struct {
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	CompileOutput string        `json:"compile_output"`
	Status        CodeRunStatus `json:"status"`
	Time          string        `json:"time"`
	Memory        int           `json:"memory"`
}

// RunCode executes code on the backend sandbox.
func (c *Client) RunCode(ctx context.Context, run CodeRun) (CodeResult, error) {
	var out CodeResult
	err := c.post(ctx, PathCodeRun, run, &out)
	return out, err
}
