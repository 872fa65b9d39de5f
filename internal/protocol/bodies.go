package protocol

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// TextBody is the payload of a "text" event.
type TextBody struct {
	Text string `mapstructure:"text"`
	TID  string `mapstructure:"tid"`
}

// ImageRepresentation is one stored rendition of an uploaded image.
type ImageRepresentation struct {
	ID   string `mapstructure:"id"`
	URL  string `mapstructure:"url"`
	Type string `mapstructure:"type"`
	Size int64  `mapstructure:"size"`
}

// Representations groups the renditions the media service produces.
type Representations struct {
	Original  ImageRepresentation `mapstructure:"original"`
	Medium    ImageRepresentation `mapstructure:"medium"`
	Thumbnail ImageRepresentation `mapstructure:"thumbnail"`
}

// ImageBody is the payload of an "image" event.
type ImageBody struct {
	Representations Representations `mapstructure:"representations"`
	TID             string          `mapstructure:"tid"`
}

// ReceiptBody is the payload of delivered/seen indications. Servers send
// event_id as either a number or a string.
type ReceiptBody struct {
	EventID string `mapstructure:"event_id"`
}

// DeleteBody is the payload of "event:delete".
type DeleteBody struct {
	EventID string `mapstructure:"event_id"`
}

// TypingBody is the payload of typing indications.
type TypingBody struct {
	Activity int `mapstructure:"activity"`
}

// AudioSettings describes a member's audio leg.
type AudioSettings struct {
	Enabled   bool `mapstructure:"enabled"`
	Muted     bool `mapstructure:"muted"`
	Earmuffed bool `mapstructure:"earmuffed"`
}

// MediaBody is the payload of "member:media" and the media section of
// member events.
type MediaBody struct {
	Audio         bool           `mapstructure:"audio"`
	AudioSettings *AudioSettings `mapstructure:"audio_settings"`
}

// MemberUser is the user section of a membership event.
type MemberUser struct {
	ID          string     `mapstructure:"id"`
	Name        string     `mapstructure:"name"`
	DisplayName string     `mapstructure:"display_name"`
	MemberID    string     `mapstructure:"member_id"`
	Media       *MediaBody `mapstructure:"media"`
}

// MemberBody is the payload of member:invited, member:joined and member:left.
type MemberBody struct {
	ConversationName string               `mapstructure:"cname"`
	User             MemberUser           `mapstructure:"user"`
	InvitedBy        string               `mapstructure:"invited_by"`
	Timestamp        map[string]time.Time `mapstructure:"timestamp"`
}

// DecodeBody decodes an opaque event body into T.
func DecodeBody[T any](body map[string]any) (T, error) {
	var out T
	if err := decode(body, &out); err != nil {
		return out, &MalformedError{What: fmt.Sprintf("%T body", out), Err: err}
	}
	return out, nil
}

func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// MemberBody decodes e's body as a membership payload.
func (e Envelope) MemberBody() (MemberBody, error) {
	return DecodeBody[MemberBody](e.Body)
}

// ReceiptBody decodes e's body as a delivered/seen indication.
func (e Envelope) ReceiptBody() (ReceiptBody, error) {
	rb, err := DecodeBody[ReceiptBody](e.Body)
	if err != nil {
		return rb, err
	}
	if rb.EventID == "" {
		return rb, &MalformedError{What: "receipt body", Err: fmt.Errorf("missing event_id")}
	}
	return rb, nil
}

// DeleteBody decodes e's body as an event:delete payload.
func (e Envelope) DeleteBody() (DeleteBody, error) {
	db, err := DecodeBody[DeleteBody](e.Body)
	if err != nil {
		return db, err
	}
	if db.EventID == "" {
		return db, &MalformedError{What: "delete body", Err: fmt.Errorf("missing event_id")}
	}
	return db, nil
}
