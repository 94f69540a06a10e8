package unl

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/holepunch"
	rdv "github.com/saintparish4/unl/pkg/rendezvous"
	"github.com/saintparish4/unl/pkg/types"
)

// Listen registers with server as a punch target on passivePort, then
// answers challenges in the background until the coordinator closes. ctx
// bounds only the registration. Each punched stream is published as an
// inbound Result. A dropped control connection is re-registered with
// backoff.
func (c *Coordinator) Listen(ctx context.Context, server string, passivePort int) error {
	cl, err := c.register(ctx, server, passivePort)
	if err != nil {
		return err
	}
	if !c.track() {
		cl.Close()
		return types.ErrStopped
	}

	go func() {
		defer c.wg.Done()
		c.serve(c.ctx, cl, server, passivePort)
	}()
	return nil
}

func (c *Coordinator) register(ctx context.Context, server string, passivePort int) (*rdv.Client, error) {
	cl, err := rdv.Dial(ctx, server, rdv.WithClock(c.cfg.Clock), rdv.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	if _, err := cl.SyncClock(ctx); err != nil {
		cl.Close()
		return nil, err
	}
	if err := cl.Register(ctx, passivePort); err != nil {
		cl.Close()
		return nil, err
	}
	c.logger.Info("registered for punches", zap.String("server", server), zap.Int("passive_port", passivePort))
	return cl, nil
}

func (c *Coordinator) serve(ctx context.Context, cl *rdv.Client, server string, passivePort int) {
	log := c.logger.With(zap.String("server", server))
	failures := 0
	for ctx.Err() == nil {
		if cl == nil {
			var err error
			cl, err = c.register(ctx, server, passivePort)
			if err != nil {
				failures++
				log.Debug("re-register failed", zap.Int("failures", failures), zap.Error(err))
				timer := c.cfg.Clock.Timer(c.cfg.backoff(failures))
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
				}
				continue
			}
			failures = 0
		}

		ch, err := cl.NextChallenge(ctx)
		if err != nil {
			if errors.Is(err, types.ErrTimeout) {
				continue
			}
			if ctx.Err() == nil {
				log.Debug("control connection lost", zap.Error(err))
			}
			cl.Close()
			cl = nil
			continue
		}
		c.answer(ctx, cl, ch)
	}
	if cl != nil {
		cl.Close()
	}
}

// answer accepts one challenge and runs the punch in the background so the
// control connection keeps serving.
func (c *Coordinator) answer(ctx context.Context, cl *rdv.Client, ch rdv.Challenge) {
	log := c.logger.With(zap.String("challenger", ch.IP))
	sess, err := holepunch.Prepare(ctx, c.cfg.BindIP, 0, c.cfg.Punch)
	if err != nil {
		log.Warn("prepare failed", zap.Error(err))
		return
	}
	ports := c.predictor.Predict(sess.LocalPort())

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	fight, err := cl.Accept(rctx, ch, ports)
	if err != nil {
		sess.Close()
		log.Debug("accept failed", zap.Error(err))
		return
	}

	if !c.track() {
		sess.Close()
		return
	}
	go func() {
		defer c.wg.Done()
		conn, err := c.execute(context.WithoutCancel(ctx), cl, sess, fight, types.DirInbound)
		if err != nil {
			log.Debug("inbound punch failed", zap.Error(err))
			return
		}
		log.Info("inbound punch succeeded", zap.Stringer("conn", conn))
		c.publish(Result{Conn: conn})
	}()
}
