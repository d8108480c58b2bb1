package protocol

import "strconv"

// construct builds a message whose listed pairs are all required: an empty
// value counts as missing and fails with CodeIncomplete.
func construct(tag string, kv ...string) (*Message, error) {
	m := NewMessage(tag)
	var missing []string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			missing = append(missing, kv[i])
			continue
		}
		m.Set(kv[i], kv[i+1])
	}
	if len(missing) > 0 {
		return nil, m.Require(missing...)
	}
	return m, nil
}

// hello (client -> server)
type Hello struct {
	Player  string
	Token   string
	Version string
	Codec   string
}

func (h Hello) Message() (*Message, error) {
	m, err := construct(TagHello, AttrPlayer, h.Player, AttrToken, h.Token, AttrVersion, h.Version)
	if err != nil {
		return nil, err
	}
	if h.Codec != "" {
		m.Set(AttrCodec, h.Codec)
	}
	return m, nil
}

func ParseHello(m *Message) (Hello, error) {
	if err := m.Require(AttrPlayer, AttrToken, AttrVersion); err != nil {
		return Hello{}, err
	}
	return Hello{
		Player:  m.Attr(AttrPlayer),
		Token:   m.Attr(AttrToken),
		Version: m.Attr(AttrVersion),
		Codec:   m.Attr(AttrCodec),
	}, nil
}

// welcome (server -> client)
type Welcome struct {
	Player        string
	Session       string
	Version       string
	CatalogDigest string
}

func (w Welcome) Message() (*Message, error) {
	m, err := construct(TagWelcome, AttrPlayer, w.Player, AttrSession, w.Session, AttrVersion, w.Version)
	if err != nil {
		return nil, err
	}
	if w.CatalogDigest != "" {
		m.Set(AttrCatalogDigest, w.CatalogDigest)
	}
	return m, nil
}

func ParseWelcome(m *Message) (Welcome, error) {
	if err := m.Require(AttrPlayer, AttrSession, AttrVersion); err != nil {
		return Welcome{}, err
	}
	return Welcome{
		Player:        m.Attr(AttrPlayer),
		Session:       m.Attr(AttrSession),
		Version:       m.Attr(AttrVersion),
		CatalogDigest: m.Attr(AttrCatalogDigest),
	}, nil
}

// error (server -> originating client only)
type ErrorNotice struct {
	Code    string
	Reason  string
	ReplyTo string
}

func (e ErrorNotice) Message() (*Message, error) {
	m, err := construct(TagError, AttrCode, e.Code)
	if err != nil {
		return nil, err
	}
	m.Set(AttrReason, e.Reason)
	if e.ReplyTo != "" {
		m.Set(AttrReplyTo, e.ReplyTo)
	}
	return m, nil
}

func ParseErrorNotice(m *Message) (ErrorNotice, error) {
	if err := m.Require(AttrCode); err != nil {
		return ErrorNotice{}, err
	}
	return ErrorNotice{Code: m.Attr(AttrCode), Reason: m.Attr(AttrReason), ReplyTo: m.Attr(AttrReplyTo)}, nil
}

// NewErrorNotice renders err for the session that caused it.
func NewErrorNotice(err error, replyTo string) *Message {
	m, _ := ErrorNotice{Code: CodeOf(err), Reason: ReasonOf(err), ReplyTo: replyTo}.Message()
	return m
}

type Disconnect struct {
	Reason string
}

func (d Disconnect) Message() (*Message, error) {
	return construct(TagDisconnect, AttrReason, d.Reason)
}

// BuildColony founds a colony with the unit. An empty Name asks the
// server to pick one; the attribute itself is still required on the wire.
type BuildColony struct {
	Name string
	Unit string
}

func (r BuildColony) Message() (*Message, error) {
	if r.Unit == "" {
		return nil, NewMessage(TagBuildColony).Require(AttrUnit)
	}
	return NewMessage(TagBuildColony, AttrName, r.Name, AttrUnit, r.Unit), nil
}

func ParseBuildColony(m *Message) (BuildColony, error) {
	if err := m.Require(AttrName, AttrUnit); err != nil {
		return BuildColony{}, err
	}
	return BuildColony{Name: m.Attr(AttrName), Unit: m.Attr(AttrUnit)}, nil
}

type AbandonColony struct {
	Colony string
}

func (r AbandonColony) Message() (*Message, error) {
	return construct(TagAbandonColony, AttrColony, r.Colony)
}

func ParseAbandonColony(m *Message) (AbandonColony, error) {
	if err := m.Require(AttrColony); err != nil {
		return AbandonColony{}, err
	}
	return AbandonColony{Colony: m.Attr(AttrColony)}, nil
}

// SetDestination clears the unit's destination when Destination is empty.
// PutOutsideColony moves a unit working in a colony out onto its tile.
type PutOutsideColony struct {
	Unit string
}

func (r PutOutsideColony) Message() (*Message, error) {
	return construct(TagPutOutsideColony, AttrUnit, r.Unit)
}

func ParsePutOutsideColony(m *Message) (PutOutsideColony, error) {
	if err := m.Require(AttrUnit); err != nil {
		return PutOutsideColony{}, err
	}
	return PutOutsideColony{Unit: m.Attr(AttrUnit)}, nil
}

type SetDestination struct {
	Unit        string
	Destination string
}

func (r SetDestination) Message() (*Message, error) {
	m, err := construct(TagSetDestination, AttrUnit, r.Unit)
	if err != nil {
		return nil, err
	}
	if r.Destination != "" {
		m.Set(AttrDestination, r.Destination)
	}
	return m, nil
}

func ParseSetDestination(m *Message) (SetDestination, error) {
	if err := m.Require(AttrUnit); err != nil {
		return SetDestination{}, err
	}
	return SetDestination{Unit: m.Attr(AttrUnit), Destination: m.Attr(AttrDestination)}, nil
}

type DeleteTradeRoute struct {
	TradeRoute string
}

func (r DeleteTradeRoute) Message() (*Message, error) {
	return construct(TagDeleteTradeRoute, AttrTradeRoute, r.TradeRoute)
}

func ParseDeleteTradeRoute(m *Message) (DeleteTradeRoute, error) {
	if err := m.Require(AttrTradeRoute); err != nil {
		return DeleteTradeRoute{}, err
	}
	return DeleteTradeRoute{TradeRoute: m.Attr(AttrTradeRoute)}, nil
}

type Missionary struct {
	Unit      string
	Direction string
	Denounce  bool
}

func (r Missionary) Message() (*Message, error) {
	m, err := construct(TagMissionary, AttrUnit, r.Unit, AttrDirection, r.Direction)
	if err != nil {
		return nil, err
	}
	return m.SetBool(AttrDenounce, r.Denounce), nil
}

func ParseMissionary(m *Message) (Missionary, error) {
	if err := m.Require(AttrUnit, AttrDirection, AttrDenounce); err != nil {
		return Missionary{}, err
	}
	return Missionary{Unit: m.Attr(AttrUnit), Direction: m.Attr(AttrDirection), Denounce: m.Bool(AttrDenounce)}, nil
}

type DemandTribute struct {
	Unit      string
	Direction string
}

func (r DemandTribute) Message() (*Message, error) {
	return construct(TagDemandTribute, AttrUnit, r.Unit, AttrDirection, r.Direction)
}

func ParseDemandTribute(m *Message) (DemandTribute, error) {
	if err := m.Require(AttrUnit, AttrDirection); err != nil {
		return DemandTribute{}, err
	}
	return DemandTribute{Unit: m.Attr(AttrUnit), Direction: m.Attr(AttrDirection)}, nil
}

// MonarchAction travels both ways: the server proposes (Answered=false) and
// the client answers with Result.
type MonarchAction struct {
	Action   string
	Monarch  string
	Tax      int // negative when absent
	Answered bool
	Accepted bool
	Template *Message
}

func (r MonarchAction) Message() (*Message, error) {
	m, err := construct(TagMonarchAction, AttrAction, r.Action)
	if err != nil {
		return nil, err
	}
	if r.Monarch != "" {
		m.Set(AttrMonarch, r.Monarch)
	}
	if r.Tax >= 0 {
		m.SetInt(AttrTax, r.Tax)
	}
	if r.Answered {
		m.SetBool(AttrResult, r.Accepted)
	}
	if r.Template != nil {
		m.Add(r.Template.Clone())
	}
	return m, nil
}

// ParseMonarchAction parses a client answer; the result attribute is required.
func ParseMonarchAction(m *Message) (MonarchAction, error) {
	if err := m.Require(AttrAction, AttrResult); err != nil {
		return MonarchAction{}, err
	}
	r := MonarchAction{
		Action:   m.Attr(AttrAction),
		Monarch:  m.Attr(AttrMonarch),
		Tax:      m.Int(AttrTax, -1),
		Answered: true,
		Accepted: m.Bool(AttrResult),
	}
	if len(m.Children) > 0 {
		r.Template = m.Children[0].Clone()
	}
	return r, nil
}

type CedeColony struct {
	Colony string
	To     string
}

func (r CedeColony) Message() (*Message, error) {
	return construct(TagCedeColony, AttrColony, r.Colony, AttrTo, r.To)
}

func ParseCedeColony(m *Message) (CedeColony, error) {
	if err := m.Require(AttrColony, AttrTo); err != nil {
		return CedeColony{}, err
	}
	return CedeColony{Colony: m.Attr(AttrColony), To: m.Attr(AttrTo)}, nil
}

// gameEnded (server -> every client)
type GameEnded struct {
	Winner    string
	HighScore bool
}

func (r GameEnded) Message() (*Message, error) {
	m, err := construct(TagGameEnded, AttrWinner, r.Winner)
	if err != nil {
		return nil, err
	}
	return m.Set(AttrHighScore, strconv.FormatBool(r.HighScore)), nil
}

func ParseGameEnded(m *Message) (GameEnded, error) {
	if err := m.Require(AttrWinner, AttrHighScore); err != nil {
		return GameEnded{}, err
	}
	return GameEnded{Winner: m.Attr(AttrWinner), HighScore: m.Bool(AttrHighScore)}, nil
}
