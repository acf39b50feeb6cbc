package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"

	// ContentTypeActivity is sent on outbound requests
	ContentTypeActivity = "application/activity+json"
	// ContentTypeLD is used for documents we serve
	ContentTypeLD = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Activity is the closed set of ActivityStreams objects this server speaks.
// Create, Undo, Update, Accept, Like and Delete wrap another Activity, so a
// decoded activity is a tree.
type Activity interface {
	ActivityType() string
	ObjectID() string
	activity()
}

// Audience is an addressing field; senders use either a string or an array.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("audience must be a string or a list of strings: %w", err)
	}
	*a = many
	return nil
}

func (a Audience) Contains(uri string) bool {
	for _, v := range a {
		if v == uri {
			return true
		}
	}
	return false
}

// IRI is a bare reference to an object by id.
type IRI string

func (i IRI) ActivityType() string { return "" }
func (i IRI) ObjectID() string     { return string(i) }
func (i IRI) activity()            {}

type Note struct {
	Context      any        `json:"@context,omitempty"`
	ID           string     `json:"id,omitempty"`
	AttributedTo string     `json:"attributedTo,omitempty"`
	Name         string     `json:"name,omitempty"`
	Content      string     `json:"content"`
	URL          string     `json:"url,omitempty"`
	InReplyTo    string     `json:"inReplyTo,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	To           Audience   `json:"to,omitempty"`
	Cc           Audience   `json:"cc,omitempty"`
}

type Tombstone struct {
	ID         string `json:"id,omitempty"`
	FormerType string `json:"formerType,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Actor covers Person, Service, Application, Group and Organization.
type Actor struct {
	Kind              string     `json:"-"`
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	URL               string     `json:"url,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Icon              *Image     `json:"icon,omitempty"`
	Image             *Image     `json:"image,omitempty"`
	Published         *time.Time `json:"published,omitempty"`
}

type Follow struct {
	Context any      `json:"@context,omitempty"`
	ID      string   `json:"id,omitempty"`
	Actor   string   `json:"actor"`
	Object  Activity `json:"object"`
}

type Create struct {
	Context   any        `json:"@context,omitempty"`
	ID        string     `json:"id,omitempty"`
	Actor     string     `json:"actor"`
	Object    Activity   `json:"object"`
	Published *time.Time `json:"published,omitempty"`
	To        Audience   `json:"to,omitempty"`
	Cc        Audience   `json:"cc,omitempty"`
}

type Update struct {
	Context   any        `json:"@context,omitempty"`
	ID        string     `json:"id,omitempty"`
	Actor     string     `json:"actor"`
	Object    Activity   `json:"object"`
	Published *time.Time `json:"published,omitempty"`
	To        Audience   `json:"to,omitempty"`
	Cc        Audience   `json:"cc,omitempty"`
}

type Undo struct {
	Context any      `json:"@context,omitempty"`
	ID      string   `json:"id,omitempty"`
	Actor   string   `json:"actor"`
	Object  Activity `json:"object"`
}

type Delete struct {
	Context any      `json:"@context,omitempty"`
	ID      string   `json:"id,omitempty"`
	Actor   string   `json:"actor"`
	Object  Activity `json:"object"`
	To      Audience `json:"to,omitempty"`
}

type Like struct {
	Context any      `json:"@context,omitempty"`
	ID      string   `json:"id,omitempty"`
	Actor   string   `json:"actor"`
	Object  Activity `json:"object"`
}

type Accept struct {
	Context any      `json:"@context,omitempty"`
	ID      string   `json:"id,omitempty"`
	Actor   string   `json:"actor"`
	Object  Activity `json:"object"`
}

// Unsupported keeps an activity of unknown type verbatim.
type Unsupported struct {
	Type string
	ID   string
	Raw  json.RawMessage
}

func (*Note) ActivityType() string          { return "Note" }
func (*Tombstone) ActivityType() string     { return "Tombstone" }
func (*Follow) ActivityType() string        { return "Follow" }
func (*Create) ActivityType() string        { return "Create" }
func (*Update) ActivityType() string        { return "Update" }
func (*Undo) ActivityType() string          { return "Undo" }
func (*Delete) ActivityType() string        { return "Delete" }
func (*Like) ActivityType() string          { return "Like" }
func (*Accept) ActivityType() string        { return "Accept" }
func (u *Unsupported) ActivityType() string { return u.Type }

func (a *Actor) ActivityType() string {
	if a.Kind == "" {
		return "Person"
	}
	return a.Kind
}

func (n *Note) ObjectID() string        { return n.ID }
func (t *Tombstone) ObjectID() string   { return t.ID }
func (a *Actor) ObjectID() string       { return a.ID }
func (f *Follow) ObjectID() string      { return f.ID }
func (c *Create) ObjectID() string      { return c.ID }
func (u *Update) ObjectID() string      { return u.ID }
func (u *Undo) ObjectID() string        { return u.ID }
func (d *Delete) ObjectID() string      { return d.ID }
func (l *Like) ObjectID() string        { return l.ID }
func (a *Accept) ObjectID() string      { return a.ID }
func (u *Unsupported) ObjectID() string { return u.ID }

func (*Note) activity()        {}
func (*Tombstone) activity()   {}
func (*Actor) activity()       {}
func (*Follow) activity()      {}
func (*Create) activity()      {}
func (*Update) activity()      {}
func (*Undo) activity()        {}
func (*Delete) activity()      {}
func (*Like) activity()        {}
func (*Accept) activity()      {}
func (*Unsupported) activity() {}

// ActorOf returns the actor URI of an activity, or "" for plain objects.
func ActorOf(a Activity) string {
	switch v := a.(type) {
	case *Follow:
		return v.Actor
	case *Create:
		return v.Actor
	case *Update:
		return v.Actor
	case *Undo:
		return v.Actor
	case *Delete:
		return v.Actor
	case *Like:
		return v.Actor
	case *Accept:
		return v.Actor
	case *Note:
		return v.AttributedTo
	case *Unsupported:
		var head struct {
			Actor string `json:"actor"`
		}
		if json.Unmarshal(v.Raw, &head) == nil {
			return head.Actor
		}
	}
	return ""
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// DecodeActivity decodes JSON into the variant named by its type field.
// Unknown types decode to *Unsupported; a JSON string decodes to IRI.
func DecodeActivity(data []byte) (Activity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: empty object", ErrUnsupportedActivity)
	}

	if data[0] == '"' {
		var iri string
		if err := json.Unmarshal(data, &iri); err != nil {
			return nil, err
		}
		return IRI(iri), nil
	}

	var head struct {
		Type json.RawMessage `json:"type"`
		ID   string          `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	typ := firstType(head.Type)

	var target Activity
	switch typ {
	case "Note":
		target = &Note{}
	case "Tombstone":
		target = &Tombstone{}
	case "Follow":
		target = &Follow{}
	case "Create":
		target = &Create{}
	case "Update":
		target = &Update{}
	case "Undo":
		target = &Undo{}
	case "Delete":
		target = &Delete{}
	case "Like":
		target = &Like{}
	case "Accept":
		target = &Accept{}
	default:
		if isActorType(typ) {
			target = &Actor{}
			break
		}
		return &Unsupported{Type: typ, ID: head.ID, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", typ, err)
	}
	return target, nil
}

// firstType accepts "type":"X" as well as "type":["X", ...]
func firstType(raw json.RawMessage) string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func decodeObject(raw json.RawMessage) (Activity, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return DecodeActivity(raw)
}

func marshalTyped(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	typeField, _ := json.Marshal(typ)
	if bytes.Equal(body, []byte("{}")) {
		return []byte(`{"type":` + string(typeField) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(typeField)+8)
	out = append(out, `{"type":`...)
	out = append(out, typeField...)
	out = append(out, ',')
	return append(out, body[1:]...), nil
}

func (n *Note) MarshalJSON() ([]byte, error) {
	type alias Note
	return marshalTyped(n.ActivityType(), (*alias)(n))
}

func (t *Tombstone) MarshalJSON() ([]byte, error) {
	type alias Tombstone
	return marshalTyped(t.ActivityType(), (*alias)(t))
}

func (a *Actor) MarshalJSON() ([]byte, error) {
	type alias Actor
	return marshalTyped(a.ActivityType(), (*alias)(a))
}

func (a *Actor) UnmarshalJSON(data []byte) error {
	type alias Actor
	aux := struct {
		*alias
		Type json.RawMessage `json:"type"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Kind = firstType(aux.Type)
	return nil
}

func (u *Unsupported) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return json.Marshal(map[string]string{"type": u.Type, "id": u.ID})
	}
	return u.Raw, nil
}

func (f *Follow) MarshalJSON() ([]byte, error) {
	type alias Follow
	return marshalTyped(f.ActivityType(), (*alias)(f))
}

func (f *Follow) UnmarshalJSON(data []byte) error {
	type alias Follow
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	f.Object, err = decodeObject(aux.Object)
	return err
}

func (c *Create) MarshalJSON() ([]byte, error) {
	type alias Create
	return marshalTyped(c.ActivityType(), (*alias)(c))
}

func (c *Create) UnmarshalJSON(data []byte) error {
	type alias Create
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	c.Object, err = decodeObject(aux.Object)
	return err
}

func (u *Update) MarshalJSON() ([]byte, error) {
	type alias Update
	return marshalTyped(u.ActivityType(), (*alias)(u))
}

func (u *Update) UnmarshalJSON(data []byte) error {
	type alias Update
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	u.Object, err = decodeObject(aux.Object)
	return err
}

func (u *Undo) MarshalJSON() ([]byte, error) {
	type alias Undo
	return marshalTyped(u.ActivityType(), (*alias)(u))
}

func (u *Undo) UnmarshalJSON(data []byte) error {
	type alias Undo
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	u.Object, err = decodeObject(aux.Object)
	return err
}

func (d *Delete) MarshalJSON() ([]byte, error) {
	type alias Delete
	return marshalTyped(d.ActivityType(), (*alias)(d))
}

func (d *Delete) UnmarshalJSON(data []byte) error {
	type alias Delete
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	d.Object, err = decodeObject(aux.Object)
	return err
}

func (l *Like) MarshalJSON() ([]byte, error) {
	type alias Like
	return marshalTyped(l.ActivityType(), (*alias)(l))
}

func (l *Like) UnmarshalJSON(data []byte) error {
	type alias Like
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	l.Object, err = decodeObject(aux.Object)
	return err
}

func (a *Accept) MarshalJSON() ([]byte, error) {
	type alias Accept
	return marshalTyped(a.ActivityType(), (*alias)(a))
}

func (a *Accept) UnmarshalJSON(data []byte) error {
	type alias Accept
	aux := struct {
		*alias
		Object json.RawMessage `json:"object"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	a.Object, err = decodeObject(aux.Object)
	return err
}
