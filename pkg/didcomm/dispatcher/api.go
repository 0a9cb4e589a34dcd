/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package dispatcher

import (
	"github.com/calliope-id/agent/pkg/didcomm/common/service"
)

// Outbound delivers a protocol message to a resolved set of targets.
type Outbound interface {
	Send(msg service.DIDCommMsgMap, targets []*service.Destination) error
}
