package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ethree/client-go/internal/apierrors"
)

var (
	// ErrEmptyToken is returned when the token source yields an empty token.
	ErrEmptyToken = errors.New("token source returned an empty token")

	// ErrMalformedTokenResponse is returned when a token endpoint replies
	// without the expected token field.
	ErrMalformedTokenResponse = errors.New("token response is malformed")
)

func parseErrorResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}

	requestID := resp.Header.Get("X-Request-ID")
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Error != "" || errResp.Message != "" || errResp.Code != "") {
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if errResp.RequestID != "" {
			requestID = errResp.RequestID
		}
		return &apierrors.APIError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Code:       errResp.Code,
			RequestID:  requestID,
		}
	}

	return &apierrors.APIError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
		RequestID:  requestID,
	}
}
