// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package provisioning

import (
	"go.uber.org/multierr"

	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/settings"
	"github.com/relabs-tech/pam8053/device/credentials"
)

// FactoryReset deletes the identity, the cached hub assignment and all credential slots.
// It continues after failures and returns all of them.
func FactoryReset(store *settings.Store, creds *credentials.Store, slots credentials.Slots) error {
	err := multierr.Combine(
		store.DeleteIdentity(),
		store.Accessor(settings.AssignmentPrefix).Delete(settings.AssignmentKey),
		creds.Purge(slots.All()),
	)
	if err != nil {
		logger.ForComponent("provisioning").WithError(err).Error("factory reset incomplete")
		return err
	}
	logger.ForComponent("provisioning").Info("factory reset done")
	return nil
}
