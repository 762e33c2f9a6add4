// Package fleet holds the static analysis server inventory, persisted as
// a servers.json file.  Runtime state (load, availability) lives with the
// dispatcher, not here.
package fleet

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ServerInfo is one configured analysis server.  Identity is Id.
type ServerInfo struct {
	Id            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Cores         int    `json:"cores,omitempty"`
	ThreadsPerJob int    `json:"threads_per_job"`
	MaxJobs       int    `json:"max_jobs"`
	Enabled       bool   `json:"enabled"`

	TlsEnabled        bool   `json:"tls_enabled,omitempty"`
	TlsServerName     string `json:"tls_server_name,omitempty"`
	TlsCaFile         string `json:"tls_ca_file,omitempty"`
	TlsClientCertFile string `json:"tls_client_cert_file,omitempty"`
	TlsClientKeyFile  string `json:"tls_client_key_file,omitempty"`
}

// Addr returns the host:port dial address.
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *ServerInfo) String() string {
	return fmt.Sprintf("id:%s, name:%s, addr:%s, threads:%d, maxJobs:%d, enabled:%t",
		s.Id, s.Name, s.Addr(), s.ThreadsPerJob, s.MaxJobs, s.Enabled)
}

// DefaultServers is the fleet written on first run: one local engine.
func DefaultServers() []ServerInfo {
	return []ServerInfo{
		{
			Id:            "local-1",
			Name:          "local-1",
			Host:          "127.0.0.1",
			Port:          9000,
			ThreadsPerJob: 1,
			MaxJobs:       1,
			Enabled:       true,
		},
	}
}

// LoadServers reads the fleet from path.  A missing file yields the
// default fleet, written back so the user has something to edit.  Entries
// missing an id, host or port are skipped, a duplicate id keeps the first
// entry.  Absent fields default to threads_per_job 1, max_jobs 1,
// enabled true.
func LoadServers(path string) ([]ServerInfo, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			servers := DefaultServers()
			if err := SaveServers(path, servers); err != nil {
				log.Warnf("Could not write default fleet config to %s: %v", path, err)
			}
			return servers, nil
		}
		return nil, errors.Wrapf(err, "reading fleet config %s", path)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing fleet config %s", path)
	}

	servers := []ServerInfo{}
	seen := map[string]bool{}
	for i, entry := range raw {
		info := ServerInfo{ThreadsPerJob: 1, MaxJobs: 1, Enabled: true}
		if err := json.Unmarshal(entry, &info); err != nil {
			log.Warnf("Skipping unparsable server entry %d in %s: %v", i, path, err)
			continue
		}
		if info.Id == "" || info.Host == "" || info.Port <= 0 {
			log.Warnf("Skipping server entry %d in %s: id, host and port are required", i, path)
			continue
		}
		if seen[info.Id] {
			log.Warnf("Skipping duplicate server id %s in %s", info.Id, path)
			continue
		}
		if info.Name == "" {
			info.Name = info.Id
		}
		seen[info.Id] = true
		servers = append(servers, info)
	}
	return servers, nil
}

// SaveServers writes the fleet to path as pretty printed JSON, via a
// temp file and rename so readers never see a partial write.
func SaveServers(path string, servers []ServerInfo) error {
	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling fleet config")
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, append(data, '\n'), 0666); err != nil {
		return errors.Wrapf(err, "writing fleet config %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replacing fleet config %s", path)
	}
	return nil
}
