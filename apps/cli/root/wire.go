package root

import (
	"github.com/zapagent-ai/zapagent-saas/apps/cli/cmd/admin"
	"github.com/zapagent-ai/zapagent-saas/apps/cli/cmd/auth"
	"github.com/zapagent-ai/zapagent-saas/apps/cli/cmd/bootstrap"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(admin.Command())
}
