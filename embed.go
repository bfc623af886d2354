package cardscan

import "embed"

// EmbeddedAssets contains the browser side of the scanner: scanner.js
// (camera capture, uploads, tray updates) and scanner.css.
//
//go:embed embedded/*
var EmbeddedAssets embed.FS
