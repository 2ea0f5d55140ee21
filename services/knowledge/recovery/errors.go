// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import "errors"

// Recovery errors.
var (
	// ErrLockTimeout indicates a lock in the agent's chain could not
	// be acquired within the configured timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrRecoveryExhausted indicates every configured attempt failed
	// and the agent is now Failed.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

	// ErrAgentAlreadyManaged indicates another coordinator already
	// owns the agent.
	ErrAgentAlreadyManaged = errors.New("agent already managed by a coordinator")

	// ErrAgentNotFound indicates the agent is not registered with this
	// coordinator.
	ErrAgentNotFound = errors.New("agent not registered")

	// ErrAgentFailed indicates the agent is in the terminal Failed
	// state and needs an explicit Reset.
	ErrAgentFailed = errors.New("agent is failed; reset required")

	// ErrInvalidConfig indicates the coordinator configuration failed
	// validation.
	ErrInvalidConfig = errors.New("invalid recovery configuration")
)
