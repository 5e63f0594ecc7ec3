package peersync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/kjk/datastore/log"
)

// ServiceType is the mDNS service hubs advertise on the local network
const ServiceType = "_datastore._tcp"

const (
	serviceDomain = "local."
	txtPathPrefix = "path="
	defaultPath   = "/sync"
)

// Advertise registers the hub listening on port with mDNS.
// Call Shutdown() on the result to stop
func Advertise(port int) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("datastore-%s", host)
	server, err := zeroconf.Register(instance, ServiceType, serviceDomain, port, []string{txtPathPrefix + defaultPath}, nil)
	if err != nil {
		return nil, err
	}
	log.Logf("peersync: advertising %s on port %d\n", instance, port)
	return server, nil
}

func entryURL(e *zeroconf.ServiceEntry) (string, bool) {
	if len(e.AddrIPv4) == 0 || e.Port == 0 {
		return "", false
	}
	path := defaultPath
	for _, s := range e.Text {
		if strings.HasPrefix(s, txtPathPrefix) {
			path = s[len(txtPathPrefix):]
		}
	}
	return fmt.Sprintf("ws://%s:%d%s", e.AddrIPv4[0], e.Port, path), true
}

// Discover returns sync URL of the first hub found on the local network
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err = resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		return "", err
	}
	for {
		select {
		case <-ctx.Done():
			return "", errors.New("no hub found")
		case e, ok := <-entries:
			if !ok {
				return "", errors.New("no hub found")
			}
			if uri, ok := entryURL(e); ok {
				log.Logf("peersync: discovered %s at %s\n", e.Instance, uri)
				return uri, nil
			}
		}
	}
}
