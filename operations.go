// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// operations.go - client worker operations

package burrow

import (
	"context"
)

type opOnline struct {
	context      context.Context
	responseChan chan error
}

type opOffline struct {
	responseChan chan error
}

type opCreateGroup struct {
	name         string
	responseChan chan interface{}
}

type opAddMember struct {
	externalID   string
	userID       string
	memberKey    []byte
	responseChan chan error
}

type opSendMessage struct {
	externalID   string
	content      []byte
	tags         Tags
	responseChan chan interface{}
}

type opGetGroups struct {
	responseChan chan []*Group
}

type opGetInvites struct {
	responseChan chan interface{}
}

type opRejectInvite struct {
	inviteEventID string
	responseChan  chan error
}

type opWipeTimeline struct {
	externalID   string
	responseChan chan error
}
