/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

// Destination provides the recipientKeys, routingKeys, and serviceEndpoint for an outbound message.
// It is populated from an invitation service entry or from a resolved connection record.
type Destination struct {
	RecipientKeys   []string
	ServiceEndpoint string
	RoutingKeys     []string
}
