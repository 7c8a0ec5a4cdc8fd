// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

// Package api documents the MediaFlow HTTP API.
//
// # API Overview
//
// MediaFlow exposes a RESTful API for:
//   - Submitting image and video generations to WaveSpeed and KIE
//   - Querying, listing and watching (websocket) generation tasks
//   - Browsing the model catalog with capability hints
//   - Uploading reference images to object storage
//   - Credit balances and admin top-ups
//   - Health monitoring and Prometheus metrics
//
// # Authentication
//
// Endpoints under /api/v1 require an identity. Either send a bearer JWT
// whose sub (or user_id) claim names the user:
//
//	Authorization: Bearer <token>
//
// or a configured API key plus the acting user:
//
//	X-API-Key: your-api-key
//	X-User-ID: user-1
//
// Admin endpoints under /api/v1/admin additionally require X-Admin-Key.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Handlers live in api/handlers; routes are registered in cmd/mediaflow.
package api
