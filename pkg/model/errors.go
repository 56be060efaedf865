package model

import (
	"errors"
	"fmt"
)

// Families. Callers branch on these with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrInvalidInput = errors.New("invalid input")
)

// No such logical entity
var (
	ErrGameNotFound   = fmt.Errorf("game %w", ErrNotFound)
	ErrNoAnswers      = fmt.Errorf("answers %w", ErrNotFound)
	ErrAnswerNotFound = fmt.Errorf("answer %w", ErrNotFound)
)

// State-machine precondition violations
var (
	ErrInvalidState  = fmt.Errorf("%w: game is not in the created state", ErrPrecondition)
	ErrNotAllowed    = fmt.Errorf("%w: player is not allowed to answer this round", ErrPrecondition)
	ErrNoActiveRound = fmt.Errorf("%w: player has no active round in this game", ErrPrecondition)
	ErrNotHost       = fmt.Errorf("%w: player is not the host", ErrPrecondition)
	ErrNotInGame     = fmt.Errorf("%w: player is not in the game", ErrPrecondition)
)

// Request validation
var (
	ErrUnknownState        = fmt.Errorf("%w: unknown round state", ErrInvalidInput)
	ErrNotEnoughCategories = fmt.Errorf("%w: not enough categories for every round", ErrInvalidInput)
)
