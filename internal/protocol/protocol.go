package protocol

const Version = "1.0"

// Message tags.
const (
	TagHello      = "hello"
	TagWelcome    = "welcome"
	TagError      = "error"
	TagDisconnect = "disconnect"
	TagChanges    = "changes"

	TagBuildColony      = "buildColony"
	TagAbandonColony    = "abandonColony"
	TagSetDestination   = "setDestination"
	TagDeleteTradeRoute = "deleteTradeRoute"
	TagMissionary       = "missionary"
	TagDemandTribute    = "demandTribute"
	TagMonarchAction    = "monarchAction"
	TagCedeColony       = "cedeColony"
	TagPutOutsideColony = "putOutsideColony"
	TagGameEnded        = "gameEnded"

	// Change record wrappers inside a TagChanges message.
	TagAdd    = "add"
	TagUpdate = "update"
	TagRemove = "remove"
	TagOther  = "other"
)

// Attribute names shared across messages.
const (
	AttrAction        = "action"
	AttrCatalogDigest = "catalogDigest"
	AttrCode          = "code"
	AttrCodec         = "codec"
	AttrColony        = "colony"
	AttrDenounce      = "denounce"
	AttrDestination   = "destination"
	AttrDirection     = "direction"
	AttrHighScore     = "highScore"
	AttrID            = "id"
	AttrMonarch       = "monarch"
	AttrName          = "name"
	AttrPlayer        = "player"
	AttrReason        = "reason"
	AttrReplyTo       = "replyTo"
	AttrResult        = "result"
	AttrSession       = "session"
	AttrTax           = "tax"
	AttrTo            = "to"
	AttrToken         = "token"
	AttrTradeRoute    = "tradeRoute"
	AttrUnit          = "unit"
	AttrVersion       = "version"
	AttrWinner        = "winner"
)
