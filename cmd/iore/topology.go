package main

import (
	"fmt"
	"strconv"
)

// topology says how this process joins the task population: either it
// hosts every task in-process, or it is one task of a TCP world.
type topology struct {
	local       bool
	tasks       int // in-process task count
	rank        int
	size        int
	coordinator string
}

func envInt(getenv func(string) string, keys ...string) (int, bool, error) {
	for _, k := range keys {
		v := getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, fmt.Errorf("%s=%q: %w", k, v, err)
		}
		return n, true, nil
	}
	return 0, false, nil
}

// resolveTopology combines flags with IORE_* and SLURM_* environment
// variables. Flags win over the environment. rank and size are -1 when
// their flags were not given.
func resolveTopology(np, rank, size int, coordinator string, getenv func(string) string) (topology, error) {
	if np > 0 {
		if rank >= 0 || size > 0 || coordinator != "" {
			return topology{}, fmt.Errorf("-np cannot be combined with -rank, -size or -coordinator")
		}
		return topology{local: true, tasks: np}, nil
	}

	if rank < 0 {
		n, ok, err := envInt(getenv, "IORE_RANK", "SLURM_PROCID")
		if err != nil {
			return topology{}, err
		}
		if ok {
			rank = n
		}
	}
	if size <= 0 {
		n, ok, err := envInt(getenv, "IORE_SIZE", "SLURM_NTASKS")
		if err != nil {
			return topology{}, err
		}
		if ok {
			size = n
		}
	}
	if coordinator == "" {
		coordinator = getenv("IORE_COORDINATOR")
	}

	if size <= 1 && coordinator == "" {
		return topology{local: true, tasks: 1}, nil
	}
	if size < 1 {
		return topology{}, fmt.Errorf("population size is required with a coordinator (-size or IORE_SIZE)")
	}
	if rank < 0 || rank >= size {
		return topology{}, fmt.Errorf("rank %d out of range for %d tasks", rank, size)
	}
	if coordinator == "" {
		return topology{}, fmt.Errorf("coordinator address is required for %d tasks (-coordinator or IORE_COORDINATOR)", size)
	}
	return topology{rank: rank, size: size, coordinator: coordinator}, nil
}
