//go:build !tsnet

package cmd

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// serveTailnet requires building with -tags tsnet.
func serveTailnet(context.Context, *config.Config, string) error {
	return errors.New("tailnet support not compiled in; rebuild with -tags tsnet")
}
