package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Endpoint describes one database connection target. One endpoint is the
// master, any number are replicas. Endpoints are immutable values; a
// configuration change produces a new Endpoint, never an in-place edit.
type Endpoint struct {
	Name     string
	Host     string
	Username string
	Password string
	Database string
	Port     int
}

type EndpointOption func(*Endpoint)

func NewEndpoint(name string, opts ...EndpointOption) Endpoint {
	e := Endpoint{Name: name}
	for _, opt := range opts {
		opt(&e)
	}
	e.SetDefault()
	return e
}

func WithHost(host string) EndpointOption {
	return func(e *Endpoint) {
		e.Host = host
	}
}

func WithPort(port int) EndpointOption {
	return func(e *Endpoint) {
		e.Port = port
	}
}

func WithCredentials(username, password string) EndpointOption {
	return func(e *Endpoint) {
		e.Username = username
		e.Password = password
	}
}

func WithDatabase(database string) EndpointOption {
	return func(e *Endpoint) {
		e.Database = database
	}
}

func (e *Endpoint) SetDefault() {
	if e.Port == 0 {
		e.Port = 5432
	}
	if e.Name == "" {
		e.Name = fmt.Sprintf("%s:%d/%s", e.Host, e.Port, e.Database)
	}
}

func (e Endpoint) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", url.QueryEscape(e.Username), url.QueryEscape(e.Password), e.Host, e.Port, e.Database)
}

func (e Endpoint) DSNWithoutSSL() string {
	return e.DSN() + "?sslmode=disable"
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) Validate() error {
	var err error
	if isEmpty(e.Host) {
		err = errors.Join(err, fmt.Errorf("endpoint %s: host cannot be empty", e.Name))
	}
	if isEmpty(e.Username) {
		err = errors.Join(err, fmt.Errorf("endpoint %s: username cannot be empty", e.Name))
	}
	if isEmpty(e.Password) {
		err = errors.Join(err, fmt.Errorf("endpoint %s: password cannot be empty", e.Name))
	}
	if isEmpty(e.Database) {
		err = errors.Join(err, fmt.Errorf("endpoint %s: database cannot be empty", e.Name))
	}
	return err
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
