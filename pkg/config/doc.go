/*
Package config centralizes every tunable of the hub.

Defaults are compiled in, an optional YAML file may override them, and
environment variables win over both. Configuration is read once at boot;
runtime reconfiguration is out of scope.
*/
package config
