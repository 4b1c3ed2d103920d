package copytable

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// datasourceFile is a YAML-described MySQL endpoint, an alternative to the
// connection-string grammar for deployments that keep credentials in files.
type datasourceFile struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Socket   string `yaml:"socket"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadDatasource reads a YAML datasource file into an endpoint.
func LoadDatasource(path string) (MySQLEndpoint, error) {
	var ep MySQLEndpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return ep, NewTaskError(InvocationError, errors.Wrapf(err, "could not open datasource file %q", path))
	}
	var ds datasourceFile
	if err := yaml.UnmarshalStrict(data, &ds); err != nil {
		return ep, NewTaskError(InvocationError, errors.Wrapf(err, "invalid datasource file %q", path))
	}
	if ds.Username == "" {
		return ep, TaskErrorf(InvocationError, "datasource file %q has no username", path)
	}
	if ds.Host == "" && ds.Socket == "" {
		return ep, TaskErrorf(InvocationError, "datasource file %q has neither host nor socket", path)
	}
	ep.User = ds.Username
	ep.Password = ds.Password
	ep.Host = ds.Host
	ep.Socket = ds.Socket
	ep.Port = ds.Port
	if ep.Port == 0 && ep.Socket == "" {
		ep.Port = 3306
	}
	return ep, nil
}
