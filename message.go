package main

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	actionListen   = "listen"
	actionUnlisten = "unlisten"

	channelSeparator = "__"
)

var (
	actions = []string{actionListen, actionUnlisten}
	types   = []string{"insert", "update", "delete"}
)

// request is the only message a client may send.
type request struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

type reply struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type errorReply struct {
	Error string `json:"error"`
}

type event struct {
	Action string          `json:"action"`
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Data   json.RawMessage `json:"data"`
}

func parseRequest(message []byte) (*request, error) {
	dec := json.NewDecoder(bytes.NewReader(message))
	dec.DisallowUnknownFields()
	var req request
	if err := dec.Decode(&req); err != nil {
		return nil, newProtocolError("Invalid message: %v", err)
	}
	if dec.More() {
		return nil, newProtocolError("Invalid message: trailing data after JSON object")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *request) validate() error {
	if !contains(actions, r.Action) {
		return newProtocolError("Specify an action parameter, possible actions are %s",
			strings.Join(actions, ", "))
	}
	if r.Target == "" {
		return newProtocolError("Specify a target parameter, possible targets are any tables or views you have read access on.")
	}
	if !contains(types, r.Type) {
		return newProtocolError("Specify a type parameter, possible types are %s",
			strings.Join(types, ", "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseChannel splits <action>__<schema>__<table>.
func parseChannel(channel string) (action, schema, table string, ok bool) {
	parts := strings.SplitN(channel, channelSeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// eventData returns the payload as JSON, quoting it when the database sent
// something that isn't valid JSON.
func eventData(payload string) json.RawMessage {
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(payload)
	return quoted
}
