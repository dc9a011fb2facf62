package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"lingo-chat/domain/conversation"
	"lingo-chat/errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	mePath    = "/auth/me"
	tokenPath = "/chat/token"
)

// SessionClient talks to the application API on behalf of the signed-in user.
// It authenticates every call with the browser session cookie.
type SessionClient struct {
	log     *slog.Logger
	baseURL string
	cookie  string
	http    *http.Client
}

// meResponse is the /auth/me body, the user document wrapped in "user".
type meResponse struct {
	User struct {
		ID         string `json:"_id"`
		FullName   string `json:"fullName"`
		ProfilePic string `json:"profilePic"`
	} `json:"user"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func NewSessionClient(log *slog.Logger, baseURL, cookie string, timeout time.Duration) *SessionClient {
	return &SessionClient{
		log:     log,
		baseURL: baseURL,
		cookie:  cookie,
		http:    &http.Client{Timeout: timeout},
	}
}

// CurrentUser returns the authenticated user, nil when the session is anonymous.
func (s *SessionClient) CurrentUser(ctx context.Context) (*conversation.Identity, error) {
	var me meResponse
	err := s.get(ctx, mePath, nil, &me)
	if stderrors.Is(err, errors.ErrUnauthenticated) {
		s.log.Debug("No authenticated user")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	identity := conversation.Identity{ID: me.User.ID, Name: me.User.FullName, Image: me.User.ProfilePic}
	if err = identity.Validate(); err != nil {
		return nil, err
	}
	return &identity, nil
}

// Issue asks the API for a chat token scoped to subjectID.
func (s *SessionClient) Issue(ctx context.Context, subjectID string) (conversation.Credential, error) {
	var res tokenResponse
	query := url.Values{"user_id": []string{subjectID}}
	if err := s.get(ctx, tokenPath, query, &res); err != nil {
		return conversation.Credential{}, err
	}
	if res.Token == "" {
		return conversation.Credential{}, fmt.Errorf("%s: %w", tokenPath, errors.ErrInvalidCredential)
	}
	return conversation.Credential{
		SubjectID: subjectID,
		Token:     res.Token,
		ExpiresAt: ExpiryOf(res.Token),
	}, nil
}

func (s *SessionClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint, err := url.JoinPath(s.baseURL, path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if s.cookie != "" {
		request.Header.Set("Cookie", s.cookie)
	}

	response, err := s.http.Do(request)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("GET %s: %w", path, errors.ErrUnauthenticated)
	case response.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("GET %s: unexpected status %d: %s", path, response.StatusCode, body)
	}

	if err = json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
