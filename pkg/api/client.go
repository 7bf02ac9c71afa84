// Package api is the REST client for the chat service.
//
// A 401 from any authenticated call invokes the unauthorized hook, which the
// session wires to the logout signal. The client performs no token refresh.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/protocol"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoToken      = errors.New("not logged in")
)

const DefaultRequestTimeout = 30 * time.Second

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	msg := e.Method + " " + e.Path + ": status " + strconv.Itoa(e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Image is an attachment streamed as multipart form data.
type Image struct {
	FileName string
	Reader   io.Reader
}

// Draft is an outgoing message.
type Draft struct {
	Content string
	ReplyTo int64
	Image   *Image
}

// Empty reports whether the draft has nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Content) == "" && d.Image == nil && d.ReplyTo == 0
}

type Client struct {
	http *resty.Client

	mu             sync.RWMutex
	creds          Credentials
	onUnauthorized func(reason string)
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

func WithCredentials(creds Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithUnauthorizedHook is called with a reason whenever an authenticated call gets a 401.
func WithUnauthorizedHook(fn func(reason string)) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a client for the API rooted at baseURL, e.g. http://localhost:5001/api.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(DefaultRequestTimeout).
			SetHeader("Accept", "application/json"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetUnauthorizedHook replaces the 401 hook.
func (c *Client) SetUnauthorizedHook(fn func(reason string)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *Client) ClearCredentials() {
	c.SetCredentials(Credentials{})
}

// AccessToken returns a usable access token or an error.
func (c *Client) AccessToken() (string, error) {
	creds := c.Credentials()
	if !creds.Usable(time.Now()) {
		return "", ErrNoToken
	}
	return creds.Access, nil
}

func (c *Client) unauthorized(reason string) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

type call struct {
	method string
	path   string
	body   any
	form   map[string]string
	image  *Image
	result any
	// anonymous calls neither send the token nor trigger the 401 hook
	anonymous bool
}

func (c *Client) do(ctx context.Context, cl call) error {
	apiErr := &protocol.ErrorResponse{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if !cl.anonymous {
		tok := c.Credentials().Access
		if tok == "" {
			return ErrNoToken
		}
		req.SetAuthToken(tok)
	}
	if cl.body != nil {
		req.SetBody(cl.body)
	}
	if cl.form != nil {
		req.SetMultipartFormData(cl.form)
	}
	if cl.image != nil {
		req.SetFileReader("image", cl.image.FileName, cl.image.Reader)
	}
	if cl.result != nil {
		req.SetResult(cl.result)
	}

	resp, err := req.Execute(cl.method, cl.path)
	if err != nil {
		log.Warn().Err(err).Str("component", "api").Str("method", cl.method).Str("path", cl.path).Msg("request failed")
		return errors.Wrapf(err, "%s %s", cl.method, cl.path)
	}
	if resp.StatusCode() == http.StatusUnauthorized && !cl.anonymous {
		log.Warn().Str("component", "api").Str("method", cl.method).Str("path", cl.path).Msg("unauthorized, signalling logout")
		c.unauthorized("session expired")
		return errors.Wrapf(ErrUnauthorized, "%s %s", cl.method, cl.path)
	}
	if resp.IsError() {
		detail := apiErr.Detail
		if detail == "" {
			detail = strings.TrimSpace(string(resp.Body()))
		}
		return &StatusError{Method: cl.method, Path: cl.path, Code: resp.StatusCode(), Detail: detail}
	}
	return nil
}

// Login authenticates and stores the returned credentials.
func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	var out protocol.AuthResponse
	err := c.do(ctx, call{
		method:    http.MethodPost,
		path:      "/auth/login/",
		body:      map[string]string{"username": username, "password": password},
		result:    &out,
		anonymous: true,
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusBadRequest) {
			return Credentials{}, errors.Wrap(ErrUnauthorized, se.Error())
		}
		return Credentials{}, err
	}
	if out.Access == "" {
		return Credentials{}, errors.New("login response carried no access token")
	}
	creds := Credentials{Access: out.Access, Refresh: out.Refresh, User: out.User.ToUser()}
	c.SetCredentials(creds)
	log.Info().Str("component", "api").Int64("user_id", creds.User.ID).Msg("logged in")
	return creds, nil
}

// CheckAuth returns the user the current token belongs to.
func (c *Client) CheckAuth(ctx context.Context) (chat.User, error) {
	var out protocol.User
	if err := c.do(ctx, call{method: http.MethodGet, path: "/auth/check/", result: &out}); err != nil {
		return chat.User{}, err
	}
	u := out.ToUser()
	c.mu.Lock()
	c.creds.User = u
	c.mu.Unlock()
	return u, nil
}

// Logout invalidates the refresh token server-side and forgets the credentials.
func (c *Client) Logout(ctx context.Context) error {
	creds := c.Credentials()
	defer c.ClearCredentials()
	if creds.Access == "" {
		return nil
	}
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   "/auth/logout/",
		body:   map[string]string{"refresh": creds.Refresh},
	})
}

func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []protocol.Conversation
	if err := c.do(ctx, call{method: http.MethodGet, path: "/messages/conversations/", result: &out}); err != nil {
		return nil, err
	}
	convs := make([]chat.Conversation, 0, len(out))
	for _, wc := range out {
		conv, err := wc.ToConversation()
		if err != nil {
			log.Warn().Err(err).Str("component", "api").Msg("skipping malformed conversation")
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (c *Client) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	var out []protocol.Message
	path := "/messages/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages/"
	if err := c.do(ctx, call{method: http.MethodGet, path: path, result: &out}); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(out))
	for _, wm := range out {
		m, err := wm.ToMessage()
		if err != nil {
			log.Warn().Err(err).Str("component", "api").Int64("conv_id", conversationID).Msg("skipping malformed message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *Client) send(ctx context.Context, path string, d Draft) (chat.Message, error) {
	form := map[string]string{}
	if content := strings.TrimSpace(d.Content); content != "" {
		form["content"] = content
	}
	if d.ReplyTo != 0 {
		form["reply_to_message_id"] = strconv.FormatInt(d.ReplyTo, 10)
	}
	var out protocol.Message
	if err := c.do(ctx, call{method: http.MethodPost, path: path, form: form, image: d.Image, result: &out}); err != nil {
		return chat.Message{}, err
	}
	return out.ToMessage()
}

// SendToConversation posts a message to an existing conversation.
func (c *Client) SendToConversation(ctx context.Context, conversationID int64, d Draft) (chat.Message, error) {
	return c.send(ctx, "/messages/conversations/"+strconv.FormatInt(conversationID, 10)+"/messages/", d)
}

// SendToUser posts a message to a user; the server finds or creates the conversation.
func (c *Client) SendToUser(ctx context.Context, userID int64, d Draft) (chat.Message, error) {
	return c.send(ctx, "/messages/send/"+strconv.FormatInt(userID, 10)+"/", d)
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) (chat.Message, error) {
	var out protocol.Message
	err := c.do(ctx, call{
		method: http.MethodPut,
		path:   "/messages/" + strconv.FormatInt(messageID, 10) + "/",
		body:   map[string]string{"content": content},
		result: &out,
	})
	if err != nil {
		return chat.Message{}, err
	}
	return out.ToMessage()
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.do(ctx, call{method: http.MethodDelete, path: "/messages/" + strconv.FormatInt(messageID, 10) + "/"})
}

// Users lists the users a new chat can be started with.
func (c *Client) Users(ctx context.Context) ([]chat.User, error) {
	var out []protocol.User
	if err := c.do(ctx, call{method: http.MethodGet, path: "/users/", result: &out}); err != nil {
		return nil, err
	}
	users := make([]chat.User, 0, len(out))
	for _, u := range out {
		if u.ID == 0 {
			continue
		}
		users = append(users, u.ToUser())
	}
	return users, nil
}
