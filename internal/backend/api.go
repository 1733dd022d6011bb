package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// SaveRequest is the body of a message save. TempID lets the server echo the
// token back on the broadcast so the sender can fold its optimistic entry.
type SaveRequest struct {
	TempID        string            `json:"tempId"`
	ChannelID     chat.ChannelID    `json:"channelId"`
	SubchannelID  chat.SubchannelID `json:"subchannelId,omitempty"`
	TopicID       chat.TopicID      `json:"subjectId,omitempty"`
	Content       string            `json:"content"`
	Kind          chat.Kind         `json:"kind"`
	ReplyTargetID int64             `json:"replyTargetId,omitempty"`
	Attachment    *chat.Attachment  `json:"attachment,omitempty"`
	Chess         *chat.ChessState  `json:"chessState,omitempty"`
	Subject       *chat.Subject     `json:"subject,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

type SaveResponse struct {
	MessageID int64     `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

func saveRequestFrom(m *chat.Message) SaveRequest {
	return SaveRequest{
		TempID:        m.ID.Token(),
		ChannelID:     m.ChannelID,
		SubchannelID:  m.SubchannelID,
		TopicID:       m.TopicID,
		Content:       m.Content,
		Kind:          m.Kind,
		ReplyTargetID: m.ReplyTargetID,
		Attachment:    m.Attachment,
		Chess:         m.Chess,
		Subject:       m.Subject,
		Timestamp:     m.Timestamp,
	}
}

// SaveMessage persists m and returns the server id. The temp token doubles as
// idempotency key so a retried save never creates a second row.
func (c *Client) SaveMessage(ctx context.Context, m *chat.Message) (SaveResponse, error) {
	if m == nil || !m.ID.IsTemp() {
		return SaveResponse{}, fmt.Errorf("%w: save needs a temp id", chat.ErrRejected)
	}
	in := saveRequestFrom(m)
	body, err := marshal(in)
	if err != nil {
		return SaveResponse{}, err
	}
	var out SaveResponse
	err = c.do(ctx, request{
		method:      fasthttp.MethodPost,
		path:        "/messages",
		body:        body,
		contentType: "application/json",
		headers:     map[string]string{"Idempotency-Key": m.ID.Token()},
		retry:       true,
	}, &out)
	if err != nil {
		return SaveResponse{}, err
	}
	if out.MessageID <= 0 {
		return SaveResponse{}, fmt.Errorf("%w: save returned id %d", ErrUnavailable, out.MessageID)
	}
	c.logger.Debug("backend_message_saved", zap.String("temp_id", in.TempID), zap.Int64("message_id", out.MessageID))
	return out, nil
}

// LoadMoreMessages fetches up to limit messages older than before (0 = newest).
func (c *Client) LoadMoreMessages(ctx context.Context, scope chat.Scope, before int64, limit int) (chat.Page, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if scope.Subchannel != 0 {
		q.Set("subchannelId", strconv.FormatInt(int64(scope.Subchannel), 10))
	}
	if scope.Topic != 0 {
		q.Set("subjectId", strconv.FormatInt(int64(scope.Topic), 10))
	}
	path := fmt.Sprintf("/channels/%d/messages", scope.Channel)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var page chat.Page
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &page, true); err != nil {
		return chat.Page{}, err
	}
	kept := page.Messages[:0]
	for _, m := range page.Messages {
		if m == nil || !m.ID.IsPersisted() {
			c.logger.Warn("backend_page_entry_skipped", zap.String("scope", scope.String()))
			continue
		}
		if m.ChannelID == 0 {
			// entries without scope fields belong to the requested scope
			m.ChannelID, m.SubchannelID, m.TopicID = scope.Channel, scope.Subchannel, scope.Topic
		}
		m.Status = chat.StatusConfirmed
		kept = append(kept, m)
	}
	page.Messages = kept
	return page, nil
}

type reactionBody struct {
	Type string `json:"type"`
}

func serverID(msg chat.MessageID) (int64, error) {
	sid, ok := msg.Server()
	if !ok {
		return 0, fmt.Errorf("%w: message %s is not persisted", chat.ErrRejected, msg)
	}
	return sid, nil
}

func (c *Client) PostReaction(ctx context.Context, msg chat.MessageID, typ string) error {
	sid, err := serverID(msg)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, fasthttp.MethodPost, fmt.Sprintf("/messages/%d/reactions", sid), reactionBody{Type: typ}, nil, true)
}

func (c *Client) RemoveReaction(ctx context.Context, msg chat.MessageID, typ string) error {
	sid, err := serverID(msg)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/messages/%d/reactions/%s", sid, url.PathEscape(typ))
	err = c.doJSON(ctx, fasthttp.MethodDelete, path, nil, nil, true)
	if errors.Is(err, ErrNotFound) {
		// already gone
		return nil
	}
	return err
}

// FetchCurrentChessState returns the stored game of a channel, or nil when
// the channel has none.
func (c *Client) FetchCurrentChessState(ctx context.Context, ch chat.ChannelID) (*chat.ChessState, error) {
	var st chat.ChessState
	err := c.doJSON(ctx, fasthttp.MethodGet, fmt.Sprintf("/channels/%d/chess", ch), nil, &st, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Previous != nil {
		st.Previous.Previous = nil
	}
	return &st, nil
}

type viewBody struct {
	ViewerID  chat.UserID `json:"lastMoveViewerId"`
	TimeStamp time.Time   `json:"moveViewTimeStamp"`
}

func (c *Client) SetChessMoveViewTimeStamp(ctx context.Context, ch chat.ChannelID, viewer chat.UserID, at time.Time) error {
	return c.doJSON(ctx, fasthttp.MethodPut, fmt.Sprintf("/channels/%d/chess/view", ch), viewBody{ViewerID: viewer, TimeStamp: at.UTC()}, nil, true)
}

// FetchChannel loads channel metadata for the registry.
func (c *Client) FetchChannel(ctx context.Context, ch chat.ChannelID) (chat.Channel, error) {
	var out chat.Channel
	if err := c.doJSON(ctx, fasthttp.MethodGet, fmt.Sprintf("/channels/%d", ch), nil, &out, true); err != nil {
		return chat.Channel{}, err
	}
	if out.ID == 0 {
		out.ID = ch
	}
	return out, nil
}

// ResolveNames maps user ids to usernames; unknown ids are left out.
func (c *Client) ResolveNames(ctx context.Context, ids []chat.UserID) (map[chat.UserID]string, error) {
	if len(ids) == 0 {
		return map[chat.UserID]string{}, nil
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(int64(id), 10))
	}
	var users []chat.UserRef
	path := "/users?ids=" + url.QueryEscape(strings.Join(parts, ","))
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &users, true); err != nil {
		return nil, err
	}
	out := make(map[chat.UserID]string, len(users))
	for _, u := range users {
		if u.ID != 0 && u.Username != "" {
			out[u.ID] = u.Username
		}
	}
	return out, nil
}

// File is a raw attachment upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Upload posts the raw bytes and returns the stored descriptor. Uploads are
// not retried since the server may have stored a partial object.
func (c *Client) Upload(ctx context.Context, ch chat.ChannelID, f File) (chat.Attachment, error) {
	if len(f.Data) == 0 {
		return chat.Attachment{}, fmt.Errorf("%w: empty file", chat.ErrRejected)
	}
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	var out chat.Attachment
	err := c.do(ctx, request{
		method:      fasthttp.MethodPost,
		path:        fmt.Sprintf("/channels/%d/attachments", ch),
		body:        f.Data,
		contentType: ct,
		headers:     map[string]string{"X-File-Name": url.PathEscape(f.Name)},
	}, &out)
	if err != nil {
		return chat.Attachment{}, err
	}
	if out.FilePath == "" {
		return chat.Attachment{}, fmt.Errorf("%w: upload returned no path", ErrUnavailable)
	}
	if out.FileName == "" {
		out.FileName = f.Name
	}
	if out.FileType == "" {
		out.FileType = ct
	}
	return out, nil
}
