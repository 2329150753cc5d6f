package collab

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/coderoom/internal/execution"
	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"go.uber.org/zap"
)

const (
	timeoutOutput     = "Execution timed out"
	unavailableOutput = "Code execution is currently unavailable"
)

func (e *Engine) handleCodeRun(conn Connection, event protocol.CodeRun) {
	roomID, ok := e.authorizeMember(conn, event.RoomID, event.EventType())
	if !ok {
		return
	}
	if e.executor == nil {
		e.sendError(conn, protocol.CodeExecutionUnavailable, "code execution is disabled")
		e.sendUnavailableOutput(conn, roomID, event.Language)
		return
	}

	language := strings.TrimSpace(event.Language)
	if language == "" {
		state, err := e.store.Snapshot(roomID)
		if err != nil {
			e.reportMutationError(conn, roomID, event.EventType(), err)
			return
		}
		language = state.Language
	}

	select {
	case e.runSlots <- struct{}{}:
	default:
		e.sendError(conn, protocol.CodeExecutionBusy, "too many executions in progress, try again shortly")
		return
	}

	request := execution.Request{Language: language, Code: event.Code, Stdin: event.Stdin}
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		defer func() { <-e.runSlots }()
		e.run(conn, roomID, request)
	}()
}

// run executes request and broadcasts the outcome to the whole room.
// Failures to reach the executor go to the requesting connection only.
func (e *Engine) run(conn Connection, roomID string, request execution.Request) {
	identity := conn.Identity()
	logger := e.logger.With(
		zap.String("room_id", roomID),
		zap.String("user_id", identity.UserID),
		zap.String("language", request.Language))

	result, err := e.executor.Execute(e.runContext, request)
	output := protocol.ExecutionOutput{
		RoomID:    roomID,
		Username:  identity.Username,
		Language:  request.Language,
		Timestamp: e.clock().UTC(),
	}
	switch {
	case err == nil:
		output.Output = result.Output
		output.Stderr = result.Stderr
		output.ExitCode = result.ExitCode
		output.IsError = result.Failed()
	case errors.Is(err, execution.ErrTimeout):
		logger.Info("execution timed out")
		output.Output = timeoutOutput
		output.ExitCode = -1
		output.IsError = true
	case errors.Is(err, execution.ErrUnsupportedLanguage):
		e.sendError(conn, protocol.CodeInvalidLanguage, "language is not supported for execution")
		return
	case errors.Is(err, execution.ErrEmptyCode):
		e.sendError(conn, protocol.CodeInvalidPayload, "code is empty")
		return
	default:
		logger.Warn("executor unavailable", zap.Error(err))
		e.sendError(conn, protocol.CodeExecutionUnavailable, "code execution is currently unavailable")
		e.sendUnavailableOutput(conn, roomID, request.Language)
		return
	}

	if e.store.Exists(roomID) {
		e.publish(roomID, output, "")
	}
	logger.Info("execution completed",
		zap.Int("exit_code", output.ExitCode),
		zap.Bool("is_error", output.IsError),
		zap.Duration("duration", result.Duration))

	e.recordExecution(identity.UserID, request, output, result)
}

// sendUnavailableOutput ends the caller's pending run in the output pane.
// It is never broadcast or archived.
func (e *Engine) sendUnavailableOutput(conn Connection, roomID, language string) {
	e.send(conn, roomID, protocol.ExecutionOutput{
		RoomID:    roomID,
		Output:    unavailableOutput,
		Username:  conn.Identity().Username,
		Language:  language,
		ExitCode:  -1,
		IsError:   true,
		Timestamp: e.clock().UTC(),
	})
}

func (e *Engine) recordExecution(userID string, request execution.Request, output protocol.ExecutionOutput, result execution.Result) {
	if e.archive == nil {
		return
	}
	record := persistence.ExecutionRecord{
		RoomID:         output.RoomID,
		UserID:         userID,
		Username:       output.Username,
		Language:       request.Language,
		Code:           request.Code,
		Stdin:          request.Stdin,
		Output:         output.Output,
		Stderr:         output.Stderr,
		ExitCode:       output.ExitCode,
		IsError:        output.IsError,
		DurationMillis: result.Duration.Milliseconds(),
		CreatedAt:      output.Timestamp,
	}
	if err := e.archive.RecordExecution(context.Background(), record); err != nil {
		e.logger.Warn("failed to record execution",
			zap.String("room_id", output.RoomID),
			zap.Error(err))
	}
}
