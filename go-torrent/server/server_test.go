package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockListener struct {
	mock.Mock
}

func (m *mockListener) Accept() (net.Conn, error) {
	args := m.Called()
	conn, _ := args.Get(0).(net.Conn)
	return conn, args.Error(1)
}
func (m *mockListener) Close() error {
	return m.Called().Error(0)
}
func (m *mockListener) Addr() net.Addr { return &net.TCPAddr{Port: 6881} }

type mockAcceptor struct {
	mock.Mock
}

func (m *mockAcceptor) Accept(conn net.Conn) error {
	return m.Called(conn).Error(0)
}

type fakeConn struct {
	net.Conn
}

func (fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1} }

func TestListen_BindsFirstFreePort(t *testing.T) {
	ml := &mockListener{}
	orig := listen
	defer func() { listen = orig }()
	listen = func(network, address string) (net.Listener, error) {
		return ml, nil
	}

	acceptor := &mockAcceptor{}
	srv, err := Listen(acceptor, nil)
	require.NoError(t, err)
	require.Equal(t, minPort, srv.Port())
}

func TestListen_WalksPastConflicts(t *testing.T) {
	orig := listen
	defer func() { listen = orig }()
	attempts := 0
	listen = func(network, address string) (net.Listener, error) {
		attempts++
		if attempts < 3 {
			return nil, &net.OpError{Op: "listen", Err: net.ErrClosed}
		}
		return &mockListener{}, nil
	}

	srv, err := Listen(&mockAcceptor{}, nil)
	require.NoError(t, err)
	require.Equal(t, minPort+2, srv.Port())
}

func TestServe_DispatchesAcceptedConnsToAcceptor(t *testing.T) {
	ml := &mockListener{}
	conn := fakeConn{}
	ml.On("Accept").Return(conn, nil).Once()
	ml.On("Accept").Return(nil, &net.OpError{Op: "accept", Err: net.ErrClosed}).Maybe()
	ml.On("Close").Return(nil)

	acceptor := &mockAcceptor{}
	acceptor.On("Accept", conn).Return(nil).Once()

	srv := &Server{listener: ml, port: minPort, acceptor: acceptor, log: zap.NewNop(), quit: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		srv.Serve()
		close(done)
	}()

	<-done
	acceptor.AssertExpectations(t)
}
