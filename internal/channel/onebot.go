package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	onebotHTTPTimeout    = 30 * time.Second
	onebotReconnectBase  = time.Second
	onebotReconnectCap   = 60 * time.Second
	onebotMaxForwardMsgs = 100
)

// OneBot bridges one QQ group through a OneBot v11 implementation
// (NapCat, go-cqhttp, ...): a WebSocket event stream on the inbound side,
// the HTTP API on the outbound side.
type OneBot struct {
	wsURL       string
	apiURL      string
	accessToken string
	groupID     int64

	client *http.Client
	logger *slog.Logger
	dialer *websocket.Dialer
}

type OneBotConfig struct {
	WSURL       string
	APIURL      string
	AccessToken string
	GroupID     int64 // the relayed group
	Logger      *slog.Logger
}

func NewOneBot(cfg OneBotConfig) *OneBot {
	return &OneBot{
		wsURL:       cfg.WSURL,
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		accessToken: cfg.AccessToken,
		groupID:     cfg.GroupID,
		client:      &http.Client{Timeout: onebotHTTPTimeout},
		logger:      cfg.Logger,
		dialer:      websocket.DefaultDialer,
	}
}

func (q *OneBot) Platform() domain.Platform { return domain.PlatformQQ }

// Run consumes the event stream until ctx is cancelled, redialing with
// capped exponential backoff whenever the connection drops.
func (q *OneBot) Run(ctx context.Context, handler Handler) error {
	backoff := onebotReconnectBase

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := q.dial(ctx)
		if err != nil {
			q.logger.Warn("onebot connect failed, retrying", "url", q.wsURL, "backoff", backoff, "err", err)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil
			}
			backoff *= 2
			if backoff > onebotReconnectCap {
				backoff = onebotReconnectCap
			}
			continue
		}

		backoff = onebotReconnectBase
		q.logger.Info("onebot event stream connected", "url", q.wsURL, "group_id", q.groupID)

		q.readLoop(ctx, conn, handler)
		conn.Close()

		if ctx.Err() != nil {
			q.logger.Info("onebot adapter stopping")
			return nil
		}
		metrics.WSReconnects.Inc()
		q.logger.Warn("onebot event stream dropped, reconnecting", "backoff", backoff)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil
		}
	}
}

func (q *OneBot) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if q.accessToken != "" {
		header = http.Header{"Authorization": {"Bearer " + q.accessToken}}
	}
	conn, resp, err := q.dialer.DialContext(ctx, q.wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (q *OneBot) readLoop(ctx context.Context, conn *websocket.Conn, handler Handler) {
	// ReadMessage blocks with no ctx hook; closing the conn unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				q.logger.Warn("onebot read error", "err", err)
			}
			return
		}
		if m, ok := q.parseEvent(ctx, data); ok {
			handler(ctx, m)
		}
	}
}

// obEvent is the common shape of OneBot v11 event frames; which fields are
// set depends on post_type.
type obEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	NoticeType  string          `json:"notice_type"`
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	MessageID   json.Number     `json:"message_id"`
	GroupID     int64           `json:"group_id"`
	UserID      int64           `json:"user_id"`
	Message     json.RawMessage `json:"message"`
	Sender      obSender        `json:"sender"`
}

type obSender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"` // group-specific display name
}

func (s obSender) displayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

type obSegment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (q *OneBot) parseEvent(ctx context.Context, data []byte) (domain.InboundMessage, bool) {
	var ev obEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		q.logger.Warn("onebot event unmarshal failed", "err", err)
		return domain.InboundMessage{}, false
	}

	switch ev.PostType {
	case "meta_event":
		// Heartbeats and lifecycle frames.
		return domain.InboundMessage{}, false

	case "notice":
		if ev.NoticeType != "group_recall" || ev.GroupID != q.groupID {
			return domain.InboundMessage{}, false
		}
		return domain.InboundMessage{
			Platform:  domain.PlatformQQ,
			NativeID:  ev.MessageID.String(),
			Kind:      domain.KindDelete,
			Timestamp: time.Unix(ev.Time, 0),
		}, true

	case "message":
		if ev.MessageType != "group" || ev.GroupID != q.groupID {
			return domain.InboundMessage{}, false
		}
		if ev.UserID == ev.SelfID {
			// Our own relayed message echoed back.
			return domain.InboundMessage{}, false
		}
		return q.normalizeMessage(ctx, ev)
	}
	return domain.InboundMessage{}, false
}

func (q *OneBot) normalizeMessage(ctx context.Context, ev obEvent) (domain.InboundMessage, bool) {
	m := domain.InboundMessage{
		Platform:   domain.PlatformQQ,
		NativeID:   ev.MessageID.String(),
		SenderID:   strconv.FormatInt(ev.UserID, 10),
		SenderName: ev.Sender.displayName(),
		Timestamp:  time.Unix(ev.Time, 0),
	}

	segs := parseSegments(ev.Message)
	var text strings.Builder
	var replyID, forwardID string

	for _, seg := range segs {
		switch seg.Type {
		case "text":
			var d struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(seg.Data, &d) == nil {
				text.WriteString(d.Text)
			}
		case "at":
			var d struct {
				QQ string `json:"qq"`
			}
			if json.Unmarshal(seg.Data, &d) == nil && d.QQ != "" {
				text.WriteString("@" + d.QQ + " ")
			}
		case "reply":
			var d struct {
				ID json.Number `json:"id"`
			}
			if json.Unmarshal(seg.Data, &d) == nil {
				replyID = d.ID.String()
			}
		case "forward":
			var d struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(seg.Data, &d) == nil {
				forwardID = d.ID
			}
		case "image", "record", "video", "file":
			if m.MediaKind != "" {
				continue // relay the first attachment only
			}
			var d struct {
				File string `json:"file"`
				URL  string `json:"url"`
			}
			if json.Unmarshal(seg.Data, &d) != nil {
				continue
			}
			m.MediaKind = mediaKindFromSegment(seg.Type)
			m.MediaURL = d.URL
			if m.MediaURL == "" && strings.HasPrefix(d.File, "http") {
				m.MediaURL = d.File
			}
		}
	}

	if forwardID != "" {
		m.Kind = domain.KindForward
		m.Forward = q.fetchForward(ctx, forwardID)
		return m, true
	}

	if m.MediaKind != "" {
		m.Kind = domain.KindMedia
		m.Caption = strings.TrimSpace(text.String())
		return m, true
	}

	trimmed := strings.TrimSpace(text.String())
	if trimmed == "" {
		return domain.InboundMessage{}, false
	}

	if replyID != "" {
		m.IsReply = true
		if name, quoted, err := q.fetchMessage(ctx, replyID); err == nil {
			m.RepliedName = name
			m.RepliedText = quoted
		} else {
			q.logger.Warn("onebot replied message lookup failed", "message_id", replyID, "err", err)
		}
	}

	m.Kind = domain.KindText
	m.Text = trimmed
	return m, true
}

func mediaKindFromSegment(segType string) domain.MediaKind {
	switch segType {
	case "image":
		return domain.MediaPhoto
	case "record":
		return domain.MediaVoice
	case "video":
		return domain.MediaVideo
	}
	return domain.MediaDocument
}

// parseSegments accepts both the array message format and the legacy string
// format; a string becomes a single text segment with CQ codes left intact.
func parseSegments(raw json.RawMessage) []obSegment {
	if len(raw) == 0 {
		return nil
	}
	var segs []obSegment
	if err := json.Unmarshal(raw, &segs); err == nil {
		return segs
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		data, _ := json.Marshal(struct {
			Text string `json:"text"`
		}{Text: s})
		return []obSegment{{Type: "text", Data: data}}
	}
	return nil
}

// segmentsText flattens a message to plain text, used for quoted replies
// and forwarded items.
func segmentsText(raw json.RawMessage) string {
	var b strings.Builder
	for _, seg := range parseSegments(raw) {
		switch seg.Type {
		case "text":
			var d struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(seg.Data, &d) == nil {
				b.WriteString(d.Text)
			}
		case "at":
			var d struct {
				QQ string `json:"qq"`
			}
			if json.Unmarshal(seg.Data, &d) == nil && d.QQ != "" {
				b.WriteString("@" + d.QQ + " ")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// msgIDParams carries a message id to the API as the number the protocol
// expects; ids always arrive as numbers in event frames.
func msgIDParams(nativeID string) any {
	if id, err := strconv.ParseInt(nativeID, 10, 64); err == nil {
		return struct {
			MessageID int64 `json:"message_id"`
		}{MessageID: id}
	}
	return map[string]string{"message_id": nativeID}
}

// fetchMessage resolves a quoted message to its sender name and text.
func (q *OneBot) fetchMessage(ctx context.Context, messageID string) (string, string, error) {
	data, err := q.callAPI(ctx, "get_msg", msgIDParams(messageID))
	if err != nil {
		return "", "", err
	}
	var msg struct {
		Sender  obSender        `json:"sender"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", "", fmt.Errorf("get_msg decode: %w", err)
	}
	return msg.Sender.displayName(), segmentsText(msg.Message), nil
}

// obForwardNode tolerates the two node shapes implementations emit: segment
// style ({"type":"node","data":{...}}) and flat ({"sender":...,"content":...}).
type obForwardNode struct {
	Type string `json:"type"`
	Data *struct {
		Nickname string          `json:"nickname"`
		Name     string          `json:"name"`
		Content  json.RawMessage `json:"content"`
	} `json:"data"`
	Sender  *obSender       `json:"sender"`
	Content json.RawMessage `json:"content"`
}

func (q *OneBot) fetchForward(ctx context.Context, forwardID string) []domain.ForwardItem {
	data, err := q.callAPI(ctx, "get_forward_msg", map[string]string{"id": forwardID})
	if err != nil {
		q.logger.Warn("onebot forward lookup failed", "forward_id", forwardID, "err", err)
		return nil
	}
	var fw struct {
		Message  []obForwardNode `json:"message"`
		Messages []obForwardNode `json:"messages"`
	}
	if err := json.Unmarshal(data, &fw); err != nil {
		q.logger.Warn("onebot forward decode failed", "forward_id", forwardID, "err", err)
		return nil
	}
	nodes := fw.Message
	if len(nodes) == 0 {
		nodes = fw.Messages
	}
	if len(nodes) > onebotMaxForwardMsgs {
		nodes = nodes[:onebotMaxForwardMsgs]
	}

	var items []domain.ForwardItem
	for _, n := range nodes {
		var item domain.ForwardItem
		if n.Data != nil {
			item.SenderName = n.Data.Nickname
			if item.SenderName == "" {
				item.SenderName = n.Data.Name
			}
			item.Text = segmentsText(n.Data.Content)
		} else {
			if n.Sender != nil {
				item.SenderName = n.Sender.displayName()
			}
			item.Text = segmentsText(n.Content)
		}
		if item.Text == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

// sendSegment is the outbound message segment shape.
type sendSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// SendText posts text to the bridged group. A non-empty replyTo becomes a
// leading reply segment quoting that message.
func (q *OneBot) SendText(ctx context.Context, text, replyTo string) (string, error) {
	var segs []sendSegment
	if replyTo != "" {
		segs = append(segs, sendSegment{Type: "reply", Data: map[string]string{"id": replyTo}})
	}
	segs = append(segs, sendSegment{Type: "text", Data: map[string]string{"text": text}})
	return q.sendGroupMsg(ctx, segs)
}

// SendMedia posts a locally staged file using a file:// segment. The OneBot
// implementation must be able to read the path, which holds for the
// sidecar deployments this targets.
func (q *OneBot) SendMedia(ctx context.Context, localPath string, kind domain.MediaKind, caption string) (string, error) {
	segType := "file"
	switch kind {
	case domain.MediaPhoto:
		segType = "image"
	case domain.MediaVoice:
		segType = "record"
	case domain.MediaVideo:
		segType = "video"
	}

	segs := []sendSegment{{Type: segType, Data: map[string]string{"file": "file://" + localPath}}}
	if caption != "" && segType != "record" {
		segs = append(segs, sendSegment{Type: "text", Data: map[string]string{"text": "\n" + caption}})
	}
	return q.sendGroupMsg(ctx, segs)
}

func (q *OneBot) sendGroupMsg(ctx context.Context, segs []sendSegment) (string, error) {
	params := struct {
		GroupID int64         `json:"group_id"`
		Message []sendSegment `json:"message"`
	}{GroupID: q.groupID, Message: segs}

	data, err := q.callAPI(ctx, "send_group_msg", params)
	if err != nil {
		return "", classifyQQ(err)
	}
	var resp struct {
		MessageID json.Number `json:"message_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", classifyQQ(fmt.Errorf("send_group_msg decode: %w", err))
	}
	return resp.MessageID.String(), nil
}

// DeleteMessage recalls a previously relayed message.
func (q *OneBot) DeleteMessage(ctx context.Context, nativeID string) error {
	if _, err := q.callAPI(ctx, "delete_msg", msgIDParams(nativeID)); err != nil {
		return classifyQQ(err)
	}
	return nil
}

// apiError is a failed OneBot HTTP API call: a non-200 transport status or
// a non-zero retcode in the response envelope.
type apiError struct {
	action  string
	status  int
	retcode int
	wording string
}

func (e *apiError) Error() string {
	if e.retcode != 0 {
		return fmt.Sprintf("onebot %s: retcode %d %s", e.action, e.retcode, e.wording)
	}
	return fmt.Sprintf("onebot %s: status %d", e.action, e.status)
}

// permanent reports whether retrying the same call can ever succeed.
// Retcodes 1xx are the bad-request class; 429 aside, a 4xx status will not
// heal without a config change.
func (e *apiError) permanent() bool {
	if e.retcode >= 100 && e.retcode < 200 {
		return true
	}
	return e.status >= 400 && e.status < 500 && e.status != http.StatusTooManyRequests
}

func classifyQQ(err error) *domain.SendError {
	se := &domain.SendError{Platform: domain.PlatformQQ, Err: err}
	var ae *apiError
	if errors.As(err, &ae) {
		se.Permanent = ae.permanent()
	}
	return se
}

func (q *OneBot) callAPI(ctx context.Context, action string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("onebot %s encode: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.apiURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("onebot %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+q.accessToken)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onebot %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &apiError{action: action, status: resp.StatusCode}
	}

	var envelope struct {
		Status  string          `json:"status"`
		Retcode int             `json:"retcode"`
		Data    json.RawMessage `json:"data"`
		Wording string          `json:"wording"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("onebot %s decode: %w", action, err)
	}
	if envelope.Retcode != 0 {
		return nil, &apiError{action: action, retcode: envelope.Retcode, wording: envelope.Wording}
	}
	return envelope.Data, nil
}
