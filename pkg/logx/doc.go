// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so that the rest of the codebase never imports zerolog directly
// and so that log sinks/levels can be swapped at runtime (config hot reload)
// without re-plumbing loggers through every component.
package logx
