package main

import "errors"

func daemonize(string) (bool, func() error, error) {
	return false, nil, errors.New("not supported on windows, run it as a scheduled task instead")
}
