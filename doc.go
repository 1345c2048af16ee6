// Package sshkit is the root session façade: it wires a transport.Conn to
// a channel.Registry, an exec.Engine, the sftp client/server and
// portforward's forward manager/listener delegate, and exposes the
// Client/Server entry points an application imports.
//
// Everything below this package — channel, exec, sftp, portforward — can be
// used standalone against a hand-built transport.Conn; this package is the
// convenience layer that owns the wiring and the disconnect lifecycle.
package sshkit
