package server

//go:generate swag init -g internal/server/server.go -o docs/swagger

// @title Lucid API
// @version 0.1
// @description Run remediation cycles against monitored sites and inspect their jobs, incidents and traces.
// @contact.name Lucid Maintainers
// @contact.url https://github.com/raysh454/lucid
// @BasePath /
