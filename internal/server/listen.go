package server

import (
	"fmt"
	"os"

	"example.com/wsloop/internal/config"
	"example.com/wsloop/internal/logger"
	"example.com/wsloop/internal/netpoll"
	"example.com/wsloop/internal/util"
)

// openListener returns the listening socket handed over through LISTEN_FDS
// when present, and otherwise binds server.address. FD_CLOEXEC stays cleared
// on the socket so it can be passed on again.
func openListener(cfg *config.ServerConfig, lg *logger.Logger) (netpoll.Listener, error) {
	file, inherited, err := util.InheritedListenFile(util.ListenFdsEnvKey)
	if err != nil {
		return nil, fmt.Errorf("error using inherited listener from %s: %w", util.ListenFdsEnvKey, err)
	}

	if inherited {
		// Consumed once, like sd_listen_fds(3) with unset_environment.
		os.Unsetenv(util.ListenFdsEnvKey)
		lg.Info("Using inherited listener", logger.LogFields{"fd": file.Fd()})
	} else {
		file, err = util.ListenFile(cfg.Network, *cfg.Address)
		if err != nil {
			if util.IsAddrInUse(err) {
				return nil, fmt.Errorf("address %s is already in use: %w", *cfg.Address, err)
			}
			return nil, err
		}
	}

	ln, err := netpoll.NewListener(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to prepare listener: %w", err)
	}
	return ln, nil
}
