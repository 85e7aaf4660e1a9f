package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRejectsUntyped(t *testing.T) {

	_, err := Parse([]byte(`{"data":{"x":1}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)

	e, err := Parse([]byte(`{"type":"chat_message","data":{"roomId":"r1"}}`))
	assert.NoError(t, err)
	assert.Equal(t, ChatMessage, e.Type)
}

func TestPayloadPassesThroughUninspected(t *testing.T) {

	// the relay must not need to understand changes content
	raw := []byte(`{"type":"document_update","data":{"documentId":"doc-1","changes":{"x":1,"nested":{"deep":[1,2,3]}}}}`)

	e, err := Parse(raw)
	assert.NoError(t, err)

	var d Document
	err = e.Bind(&d)
	assert.NoError(t, err)
	assert.Equal(t, "doc-1", d.DocumentID)
	assert.JSONEq(t, `{"x":1,"nested":{"deep":[1,2,3]}}`, string(d.Changes))

	// re-wrap after enrichment and check the changes survive intact
	d.UserID = "u1"
	d.Timestamp = Stamp(time.Now())
	out, err := New(DocumentUpdate, d)
	assert.NoError(t, err)

	var d2 Document
	assert.NoError(t, out.Bind(&d2))
	assert.JSONEq(t, string(d.Changes), string(d2.Changes))
	assert.Equal(t, "u1", d2.UserID)
}

func TestBindEmptyData(t *testing.T) {

	e := Envelope{Type: PresenceUpdate}
	var p Presence
	assert.Error(t, e.Bind(&p))
}

func TestStamp(t *testing.T) {

	ts := Stamp(time.Date(2024, 5, 1, 12, 30, 45, 123000000, time.UTC))
	assert.Equal(t, "2024-05-01T12:30:45.123Z", ts)
}
