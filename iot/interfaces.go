// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

// MessagePublisher publishes an MQTT message to a single client
type MessagePublisher interface {
	PublishToClient(clientID, topic string, payload []byte)
}
