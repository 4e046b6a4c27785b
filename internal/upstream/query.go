// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upstream

import (
	"fmt"
	"strings"

	"github.com/juju/feedmux/core/schema"
)

// SubscribeQuery returns the session command that opens a streaming
// upsert-envelope subscription over the view's declared columns, keyed
// by the primary key and starting with a full snapshot. The SUBSCRIBE
// is wrapped in a streaming COPY so the session yields a continuous
// textual read.
func SubscribeQuery(view *schema.View) string {
	return fmt.Sprintf(
		"COPY (SUBSCRIBE (SELECT %s FROM %s) ENVELOPE UPSERT (KEY (%s)) WITH (SNAPSHOT)) TO STDOUT",
		strings.Join(view.Columns(), ", "), view.Name, view.PrimaryKey,
	)
}
