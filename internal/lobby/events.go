package lobby

// Event is the wire shape published to the Hub: a JSON object with camelCase
// keys plus a "type" discriminator. Kept as a plain map, matching the event
// payloads the rest of the pack sends over its websocket transports, rather
// than one Go struct per event type.
type Event = map[string]interface{}

// Broadcaster is the narrow view of the Event Hub the Engine depends on.
// Implemented by *hub.Hub; injected after construction to break the
// Engine<->Hub cycle (see design notes).
type Broadcaster interface {
	Broadcast(gameID GameID, lobbyID ID, event Event)
	CloseLobby(gameID GameID, lobbyID ID)
}

func evLobbyCreated(lobbyID ID, ownerUserID, ownerDisplayName string, maxPlayers int) Event {
	return Event{
		"type":             "lobby_created",
		"lobbyId":          lobbyID,
		"ownerUserId":      ownerUserID,
		"ownerDisplayName": ownerDisplayName,
		"maxPlayers":       maxPlayers,
	}
}

func evMemberJoined(userID, displayName string) Event {
	return Event{
		"type":        "member_joined",
		"userId":      userID,
		"displayName": displayName,
	}
}

func evMemberLeft(userID string, newOwnerUserID string) Event {
	e := Event{
		"type":   "member_left",
		"userId": userID,
	}
	if newOwnerUserID != "" {
		e["newOwnerUserId"] = newOwnerUserID
	}
	return e
}

func evMemberReady(userID string, isReady bool) Event {
	return Event{
		"type":    "member_ready",
		"userId":  userID,
		"isReady": isReady,
	}
}

func evEveryoneReady(affected []string) Event {
	return Event{
		"type":            "everyone_ready",
		"affectedMembers": affected,
	}
}

func evLobbyData(key, value string) Event {
	return Event{
		"type":  "lobby_data",
		"key":   key,
		"value": value,
	}
}

func evLobbyStarted() Event {
	return Event{"type": "lobby_started"}
}

func evLobbyEmpty() Event {
	return Event{"type": "lobby_empty"}
}

func evPing(tsUnixMilli int64) Event {
	return Event{
		"type": "ping",
		"ts":   tsUnixMilli,
	}
}
