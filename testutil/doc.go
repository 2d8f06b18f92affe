// Package testutil provides test doubles shared by the relay's package tests.
//
// MockBus implements bus.Bus in memory. It records every Subscribe and
// Unsubscribe call in order, tracks which channels are active, injects
// failures per channel, and delivers messages through the registered
// dispatch:
//
//	b := testutil.NewMockBus()
//	reg := registry.New(b)
//	_ = b.OnMessage(reg.HandleMessage)
//
//	c1 := testutil.NewMockConnection("c1")
//	_ = reg.Subscribe(c1, "user.42")
//	b.Deliver("user.42", []byte("hello"))
//	// c1.Received() == []string{"hello"}
//
// MockConnection implements registry.Connection. It stays Open until Close,
// records payloads, and can be told to fail sends.
//
// FreePort finds a loopback TCP port for servers started in tests.
package testutil
